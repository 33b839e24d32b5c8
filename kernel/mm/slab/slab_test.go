package slab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/mm/pmm"
)

func newFrameAllocator(t *testing.T, frames uint64) *pmm.BitmapAllocator {
	t.Helper()

	var alloc pmm.BitmapAllocator
	err := alloc.Init([]mm.Region{
		{PhysAddress: 0x100000, Length: frames << mm.PageShift, Type: mm.RegionAvailable},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &alloc
}

func TestNewConfigValidation(t *testing.T) {
	specs := []struct {
		classes []uint32
		expErr  error
	}{
		{nil, nil},
		{[]uint32{8, 4096}, nil},
		{[]uint32{0}, ErrInvalidConfig},
		{[]uint32{12}, ErrInvalidConfig},
		{[]uint32{64, 32}, ErrInvalidConfig},
		{[]uint32{64, 64}, ErrInvalidConfig},
		{[]uint32{8192}, ErrInvalidConfig},
	}

	frames := newFrameAllocator(t, 4)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			a, err := New(frames, Config{Classes: spec.classes})
			if spec.expErr != nil {
				if err != spec.expErr {
					t.Fatalf("expected error %v; got %v", spec.expErr, err)
				}
				return
			}

			if err != nil || a == nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestClassFor(t *testing.T) {
	a, err := New(newFrameAllocator(t, 4), Config{})
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		size, exp uint32
	}{
		{0, 16},
		{1, 16},
		{16, 16},
		{17, 32},
		{100, 128},
		{2048, 2048},
		{2049, 0},
	}

	for specIndex, spec := range specs {
		if got := a.ClassFor(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected size %d to map to class %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}

	if got := a.MaxSize(); got != 2048 {
		t.Fatalf("expected max size 2048; got %d", got)
	}

	if _, err := a.Alloc(4096); err != ErrSizeTooLarge {
		t.Fatalf("expected ErrSizeTooLarge; got %v", err)
	}
}

func TestSlabCarving(t *testing.T) {
	frames := newFrameAllocator(t, 8)
	a, err := New(frames, Config{})
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uintptr]bool)
	for i := 0; i < 64; i++ {
		addr, err := a.Alloc(64)
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if addr%64 != 0 {
			t.Fatalf("[alloc %d] expected 64-byte aligned address; got 0x%x", i, addr)
		}

		if seen[addr] {
			t.Fatalf("[alloc %d] address 0x%x returned twice", i, addr)
		}
		seen[addr] = true
	}

	if got := frames.Stats().AllocatedFrames; got != 1 {
		t.Fatalf("expected 64 objects of 64 bytes to fit in 1 frame; allocated %d", got)
	}

	addr, err := a.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}

	if got := frames.Stats().AllocatedFrames; got != 2 {
		t.Fatalf("expected the 65th object to acquire a second frame; allocated %d", got)
	}

	if seen[addr] {
		t.Fatalf("address 0x%x returned twice", addr)
	}

	stats := a.Stats()[2]
	if stats.Size != 64 || stats.Slabs != 2 || stats.LiveObjs != 65 || stats.FreeSlots != 63 {
		t.Fatalf("unexpected class stats: %+v", stats)
	}
}

func TestFreeReusesSlot(t *testing.T) {
	a, err := New(newFrameAllocator(t, 2), Config{})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := a.Alloc(32)
	a.Alloc(32)

	if err := a.Free(first); err != nil {
		t.Fatal(err)
	}

	addr, err := a.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}

	if addr != first {
		t.Fatalf("expected freed slot 0x%x to be reused; got 0x%x", first, addr)
	}

	if !a.Owns(addr) || a.Owns(0x1000) {
		t.Fatal("expected Owns to report only slab addresses")
	}
}

func TestInvalidFree(t *testing.T) {
	a, err := New(newFrameAllocator(t, 2), Config{})
	if err != nil {
		t.Fatal(err)
	}

	addr, _ := a.Alloc(128)

	specs := []struct {
		addr uintptr
	}{
		// never allocated frame
		{0x5000},
		// misaligned pointer into a live object
		{addr + 8},
		// free slot in the same slab
		{addr + 128},
	}

	for specIndex, spec := range specs {
		if err := a.Free(spec.addr); err != ErrInvalidFree {
			t.Errorf("[spec %d] expected ErrInvalidFree; got %v", specIndex, err)
		}
	}

	if err := a.Free(addr); err != nil {
		t.Fatal(err)
	}

	if err := a.Free(addr); err != ErrInvalidFree {
		t.Fatalf("expected ErrInvalidFree on double free; got %v", err)
	}
}

func TestEmptySlabRelease(t *testing.T) {
	specs := []struct {
		retain       bool
		expAllocated uint32
		expSlabs     uint32
	}{
		{false, 1, 1},
		{true, 2, 2},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			frames := newFrameAllocator(t, 4)
			a, err := New(frames, Config{RetainEmpty: spec.retain})
			if err != nil {
				t.Fatal(err)
			}

			// 2048-byte class: 2 objects per slab
			var addrs []uintptr
			for i := 0; i < 3; i++ {
				addr, err := a.Alloc(2048)
				if err != nil {
					t.Fatal(err)
				}
				addrs = append(addrs, addr)
			}

			if err := a.Free(addrs[2]); err != nil {
				t.Fatal(err)
			}

			if got := frames.Stats().AllocatedFrames; got != spec.expAllocated {
				t.Fatalf("expected %d allocated frames; got %d", spec.expAllocated, got)
			}

			if got := a.Stats()[7].Slabs; got != spec.expSlabs {
				t.Fatalf("expected %d slabs; got %d", spec.expSlabs, got)
			}

			// Emptying the last slab never releases it.
			a.Free(addrs[0])
			a.Free(addrs[1])
			if got := a.Stats()[7].Slabs; got < 1 {
				t.Fatal("expected the class to keep its last slab")
			}
		})
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	a, err := New(newFrameAllocator(t, 1), Config{})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.Alloc(2048); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := a.Alloc(2048); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	// Other classes cannot grow their first slab either.
	if _, err := a.Alloc(16); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

type countingFrames struct {
	*pmm.BitmapAllocator

	mu    sync.Mutex
	calls int
}

func (f *countingFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.BitmapAllocator.AllocFrame()
}

func TestAllocGrowsOncePerCall(t *testing.T) {
	frames := &countingFrames{BitmapAllocator: newFrameAllocator(t, 1)}
	a, err := New(frames, Config{Classes: []uint32{2048}})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		addr, err := a.Alloc(2048)
		if err != nil {
			t.Fatal(err)
		}
		if exp := uintptr(0x100000) + uintptr(i)*2048; addr != exp {
			t.Fatalf("expected object at 0x%x; got 0x%x", exp, addr)
		}
	}
	if frames.calls != 1 {
		t.Fatalf("expected a single frame to be requested; got %d requests", frames.calls)
	}

	if _, err := a.Alloc(2048); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if frames.calls != 2 {
		t.Fatalf("expected a failed allocation to request exactly one frame; got %d requests", frames.calls-1)
	}

	t.Run("concurrent", func(t *testing.T) {
		frames := &countingFrames{BitmapAllocator: newFrameAllocator(t, 64)}
		a, err := New(frames, Config{Classes: []uint32{4096}})
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for w := 0; w < 16; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := a.Alloc(4096); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		if frames.calls != 16 {
			t.Fatalf("expected one frame per single-slot allocation; got %d requests", frames.calls)
		}
		if got := a.Stats()[0]; got.Slabs != 16 || got.LiveObjs != 16 {
			t.Fatalf("expected 16 full slabs; got %+v", got)
		}
	})
}

func TestDefaultFrameAllocator(t *testing.T) {
	defer mm.SetFrameAllocator(nil)
	frames := newFrameAllocator(t, 1)
	mm.SetFrameAllocator(frames)

	a, err := New(nil, Config{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Alloc(8); err != nil {
		t.Fatal(err)
	}

	if got := frames.Stats().AllocatedFrames; got != 1 {
		t.Fatalf("expected registered allocator to be used; allocated %d", got)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	frames := newFrameAllocator(t, 64)
	a, err := New(frames, Config{})
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owners  = make(map[uintptr]int)
		workers = 8
	)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(worker int) {
			defer wg.Done()

			var mine []uintptr
			for i := 0; i < 100; i++ {
				addr, err := a.Alloc(48)
				if err != nil {
					t.Errorf("[worker %d] unexpected error: %v", worker, err)
					return
				}

				mu.Lock()
				if other, taken := owners[addr]; taken {
					t.Errorf("address 0x%x handed to workers %d and %d", addr, other, worker)
				}
				owners[addr] = worker
				mu.Unlock()
				mine = append(mine, addr)
			}

			for _, addr := range mine {
				mu.Lock()
				delete(owners, addr)
				mu.Unlock()

				if err := a.Free(addr); err != nil {
					t.Errorf("[worker %d] unexpected free error: %v", worker, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if got := a.Stats()[2].LiveObjs; got != 0 {
		t.Fatalf("expected no live objects; got %d", got)
	}

	if got := frames.Stats().AllocatedFrames; got != 1 {
		t.Fatalf("expected all but the last slab to be released; %d frames allocated", got)
	}
}

func TestPrime(t *testing.T) {
	frames := newFrameAllocator(t, 16)
	a, err := New(frames, Config{Classes: []uint32{64, 512}})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Prime(); err != nil {
		t.Fatal(err)
	}

	if got := frames.Stats().AllocatedFrames; got != 2 {
		t.Fatalf("expected one frame per class; got %d", got)
	}

	// Priming twice is a no-op and allocations use the primed slabs.
	a.Prime()
	a.Alloc(64)
	a.Alloc(512)
	if got := frames.Stats().AllocatedFrames; got != 2 {
		t.Fatalf("expected primed slabs to serve allocations; got %d frames", got)
	}

	if err := (&Allocator{frames: newFrameAllocator(t, 1), caches: []*cache{{objSize: 8}, {objSize: 16}}, registry: map[mm.Frame]*slab{}}).Prime(); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory when frames run out; got %v", err)
	}
}
