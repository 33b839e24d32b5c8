package pmm

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

func regionOf(startFrame, frames uint64, typ mm.RegionType) mm.Region {
	return mm.Region{
		PhysAddress: startFrame << mm.PageShift,
		Length:      frames << mm.PageShift,
		Type:        typ,
	}
}

func TestBitmapAllocatorInit(t *testing.T) {
	specs := []struct {
		regions   []mm.Region
		expErr    error
		expPools  int
		expFrames uint32
	}{
		{
			[]mm.Region{
				regionOf(0, 16, mm.RegionAvailable),
			},
			nil, 1, 16,
		},
		{
			[]mm.Region{
				regionOf(256, 100, mm.RegionAvailable),
				regionOf(0, 128, mm.RegionAvailable),
				regionOf(128, 128, mm.RegionReserved),
				regionOf(400, 10, mm.RegionAcpiNvs),
			},
			nil, 2, 228,
		},
		{
			// unaligned region rounded inwards
			[]mm.Region{
				{PhysAddress: 100, Length: 3 * uint64(mm.PageSize), Type: mm.RegionAvailable},
			},
			nil, 1, 2,
		},
		{
			[]mm.Region{
				regionOf(0, 16, mm.RegionAvailable),
				regionOf(8, 16, mm.RegionReserved),
			},
			ErrRegionOverlap, 0, 0,
		},
		{
			[]mm.Region{
				regionOf(0, 16, mm.RegionReserved),
				{PhysAddress: 0x100000, Length: 100, Type: mm.RegionAvailable},
			},
			ErrNoUsableMemory, 0, 0,
		},
		{
			nil,
			ErrNoUsableMemory, 0, 0,
		},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			var alloc BitmapAllocator
			err := alloc.Init(spec.regions)
			if spec.expErr != nil {
				if err != spec.expErr {
					t.Fatalf("expected error %v; got %v", spec.expErr, err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if got := len(alloc.pools); got != spec.expPools {
				t.Fatalf("expected %d pools; got %d", spec.expPools, got)
			}

			if got := alloc.Stats().TotalFrames; got != spec.expFrames {
				t.Fatalf("expected %d frames; got %d", spec.expFrames, got)
			}

			for poolIndex, pool := range alloc.pools {
				if exp, got := int(math.Ceil(float64(pool.freeCount)/64.0)), len(pool.freeBitmap); got != exp {
					t.Errorf("[pool %d] expected bitmap len to be %d; got %d", poolIndex, exp, got)
				}

				if poolIndex > 0 && alloc.pools[poolIndex-1].startFrame > pool.startFrame {
					t.Errorf("expected pools to be sorted by address")
				}
			}
		})
	}
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{
				startFrame: mm.Frame(0),
				endFrame:   mm.Frame(127),
				freeCount:  128,
				freeBitmap: make([]uint64, 2),
				refCounts:  make([]uint32, 128),
			},
		},
		totalPages: 128,
	}

	lastFrame := mm.Frame(alloc.totalPages)
	for frame := mm.Frame(0); frame < lastFrame; frame++ {
		alloc.markFrame(0, frame, markReserved)

		block := uint64(frame / 64)
		blockOffset := uint64(frame % 64)
		bitIndex := (63 - blockOffset)
		bitMask := uint64(1 << bitIndex)

		if alloc.pools[0].freeBitmap[block]&bitMask != bitMask {
			t.Errorf("[frame %d] expected block[%d], bit %d to be set", frame, block, bitIndex)
		}

		alloc.markFrame(0, frame, markFree)

		if alloc.pools[0].freeBitmap[block]&bitMask != 0 {
			t.Errorf("[frame %d] expected block[%d], bit %d to be unset", frame, block, bitIndex)
		}
	}

	// Calling markFrame with a frame not part of the pool should be a no-op
	alloc.markFrame(0, mm.Frame(0xbadf00d), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}

	// Calling markFrame with a negative pool index should be a no-op
	alloc.markFrame(-1, mm.Frame(0), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}
}

func TestBitmapAllocatorPoolForFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{
				startFrame: mm.Frame(0),
				endFrame:   mm.Frame(63),
				freeCount:  64,
				freeBitmap: make([]uint64, 1),
			},
			{
				startFrame: mm.Frame(128),
				endFrame:   mm.Frame(191),
				freeCount:  64,
				freeBitmap: make([]uint64, 1),
			},
		},
		totalPages: 128,
	}

	specs := []struct {
		frame    mm.Frame
		expIndex int
	}{
		{mm.Frame(0), 0},
		{mm.Frame(63), 0},
		{mm.Frame(64), -1},
		{mm.Frame(128), 1},
		{mm.Frame(191), 1},
		{mm.Frame(192), -1},
	}

	for specIndex, spec := range specs {
		if got := alloc.poolForFrame(spec.frame); got != spec.expIndex {
			t.Errorf("[spec %d] expected to get pool index %d; got %d", specIndex, spec.expIndex, got)
		}
	}
}

func TestBitmapAllocatorExhaustionAndReuse(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 16, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 16; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if seen[frame] {
			t.Fatalf("frame %d allocated twice", frame)
		}
		seen[frame] = true
	}

	if _, err := alloc.AllocFrame(); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if err := alloc.FreeFrame(mm.Frame(9)); err != nil {
		t.Fatal(err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if frame != mm.Frame(9) {
		t.Fatalf("expected the freed frame 9 to be returned; got %d", frame)
	}
}

func TestBitmapAllocatorSpansPools(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{
		regionOf(100, 2, mm.RegionAvailable),
		regionOf(10, 1, mm.RegionAvailable),
	}); err != nil {
		t.Fatal(err)
	}

	for _, exp := range []mm.Frame{10, 100, 101} {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		if frame != exp {
			t.Fatalf("expected frame %d; got %d", exp, frame)
		}
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 4, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrame(mm.Frame(2)); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree when freeing a free frame; got %v", err)
	}

	if err := alloc.FreeFrame(mm.Frame(1000)); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame for an unmanaged frame; got %v", err)
	}

	frame, _ := alloc.AllocFrame()
	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrame(frame); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree on second free; got %v", err)
	}

	if got := alloc.Stats().FreeFrames; got != 4 {
		t.Fatalf("expected failed frees to leave the free count at 4; got %d", got)
	}
}

func TestBitmapAllocatorRefCounts(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 4, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}

	frame, _ := alloc.AllocFrame()
	if got := alloc.RefCount(frame); got != 1 {
		t.Fatalf("expected ref count 1; got %d", got)
	}

	if err := alloc.ShareFrame(frame); err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if got := alloc.Stats().AllocatedFrames; got != 1 {
		t.Fatalf("expected shared frame to stay allocated; allocated count: %d", got)
	}

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if got := alloc.RefCount(frame); got != 0 {
		t.Fatalf("expected ref count 0 after the last free; got %d", got)
	}

	if err := alloc.ShareFrame(frame); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame when sharing a free frame; got %v", err)
	}

	if err := alloc.ShareFrame(mm.Frame(99)); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame when sharing an unmanaged frame; got %v", err)
	}
}

func TestBitmapAllocatorAllocContiguous(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{
		regionOf(0, 4, mm.RegionAvailable),
		regionOf(64, 70, mm.RegionAvailable),
	}); err != nil {
		t.Fatal(err)
	}

	// Fragment the first pool: frames 0 and 2 in use.
	alloc.AllocFrame()
	second, _ := alloc.AllocFrame()
	alloc.AllocFrame()
	alloc.FreeFrame(second)

	specs := []struct {
		count    uint32
		expFrame mm.Frame
		expErr   *kernel.Error
	}{
		{1, 1, nil},
		{3, 64, nil},
		{66, 67, nil},
		{2, mm.InvalidFrame, mm.ErrOutOfMemory},
		{0, mm.InvalidFrame, ErrInvalidFrame},
	}

	for specIndex, spec := range specs {
		frame, err := alloc.AllocContiguous(spec.count)
		if err != spec.expErr {
			t.Fatalf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if frame != spec.expFrame {
			t.Fatalf("[spec %d] expected first frame %d; got %d", specIndex, spec.expFrame, frame)
		}
	}

	// Only frame 3 is left
	frame, err := alloc.AllocFrame()
	if err != nil || frame != 3 {
		t.Fatalf("expected the last free frame 3; got %d (%v)", frame, err)
	}
}

func TestBitmapAllocatorReserveRange(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 8, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}

	alloc.ReserveRange(0, 2*mm.PageSize+1)
	alloc.ReserveRange(0x100000, 0x200000)

	if got := alloc.Stats().AllocatedFrames; got != 3 {
		t.Fatalf("expected 3 reserved frames; got %d", got)
	}

	frame, _ := alloc.AllocFrame()
	if frame != 3 {
		t.Fatalf("expected first allocation after the reserved range to be frame 3; got %d", frame)
	}
}

func TestBitmapAllocatorPressure(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 20, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 18; i++ {
		if alloc.UnderPressure() {
			t.Fatalf("[alloc %d] unexpected memory pressure with %d free frames", i, alloc.Stats().FreeFrames)
		}
		alloc.AllocFrame()
	}

	// 2 of 20 frames free (10%) is not below the threshold
	if alloc.UnderPressure() {
		t.Fatal("expected no pressure at exactly 10% free")
	}

	alloc.AllocFrame()
	if !alloc.UnderPressure() {
		t.Fatal("expected pressure with 1 of 20 frames free")
	}
}

func TestBitmapAllocatorVisitFrames(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{regionOf(0, 4, mm.RegionAvailable)}); err != nil {
		t.Fatal(err)
	}
	alloc.AllocFrame()

	var visited, referenced int
	alloc.VisitFrames(func(_ mm.Frame, refs uint32) bool {
		visited++
		if refs != 0 {
			referenced++
		}
		return true
	})

	if visited != 4 || referenced != 1 {
		t.Fatalf("expected to visit 4 frames with 1 referenced; got %d and %d", visited, referenced)
	}

	visited = 0
	alloc.VisitFrames(func(_ mm.Frame, _ uint32) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Fatalf("expected visiting to stop after the first frame; visited %d", visited)
	}
}

func TestBitmapAllocatorConcurrentUse(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]mm.Region{
		regionOf(0x100, 300, mm.RegionAvailable),
		regionOf(0x800, 212, mm.RegionAvailable),
	}); err != nil {
		t.Fatal(err)
	}

	type run struct {
		first mm.Frame
		count uint32
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owners  = make(map[mm.Frame]int)
		held    = make([][]run, 8)
		workers = len(held)
	)

	claim := func(worker int, r run) {
		mu.Lock()
		defer mu.Unlock()
		for i := uint32(0); i < r.count; i++ {
			frame := r.first + mm.Frame(i)
			if other, taken := owners[frame]; taken {
				t.Errorf("frame %d handed to workers %d and %d", frame, other, worker)
			}
			owners[frame] = worker
		}
	}

	release := func(worker int, r run) {
		mu.Lock()
		for i := uint32(0); i < r.count; i++ {
			delete(owners, r.first+mm.Frame(i))
		}
		mu.Unlock()

		for i := uint32(0); i < r.count; i++ {
			if err := alloc.FreeFrame(r.first + mm.Frame(i)); err != nil {
				t.Errorf("[worker %d] unexpected free error: %v", worker, err)
			}
		}
	}

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 200; i++ {
				var (
					r   = run{count: 1}
					err *kernel.Error
				)

				if i%3 == 0 {
					r.count = uint32(1 + i%4)
					if r.first, err = alloc.AllocContiguous(r.count); err == mm.ErrOutOfMemory {
						continue
					}
				} else {
					r.first, err = alloc.AllocFrame()
				}

				if err != nil {
					t.Errorf("[worker %d] unexpected error: %v", worker, err)
					return
				}

				claim(worker, r)
				held[worker] = append(held[worker], r)

				if len(held[worker]) > 8 {
					release(worker, held[worker][0])
					held[worker] = held[worker][1:]
				}
			}
		}(w)
	}
	wg.Wait()

	// The allocated set must match the frames handed out and nothing else.
	var reserved uint32
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for index := uint32(0); index < pool.frameCount(); index++ {
			frame := pool.startFrame + mm.Frame(index)
			_, owned := owners[frame]
			if pool.isReserved(index) != owned {
				t.Fatalf("frame %d: reserved %t, handed out %t", frame, pool.isReserved(index), owned)
			}
			if owned {
				reserved++
				if pool.refCounts[index] != 1 {
					t.Fatalf("frame %d: expected refcount 1; got %d", frame, pool.refCounts[index])
				}
			}
		}
	}

	stats := alloc.Stats()
	if stats.AllocatedFrames != reserved || stats.AllocatedFrames+stats.FreeFrames != stats.TotalFrames || stats.TotalFrames != 512 {
		t.Fatalf("inconsistent stats %+v; %d frames reserved in the bitmaps", stats, reserved)
	}

	for worker, runs := range held {
		for _, r := range runs {
			release(worker, r)
		}
	}

	if got := alloc.Stats().AllocatedFrames; got != 0 {
		t.Fatalf("expected every frame to be free; %d still allocated", got)
	}
}
