package pmm

import (
	"sort"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

var (
	// ErrRegionOverlap is returned by Init when two memory map regions
	// overlap.
	ErrRegionOverlap = &kernel.Error{Module: "pmm", Message: "memory map regions overlap"}

	// ErrNoUsableMemory is returned by Init when the memory map contains no
	// whole available frame.
	ErrNoUsableMemory = &kernel.Error{Module: "pmm", Message: "no usable memory in memory map"}

	// ErrDoubleFree is returned when freeing a frame that is not allocated.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "double free of physical frame"}

	// ErrInvalidFrame is returned when a frame does not belong to any pool
	// or is not allocated when it needs to be.
	ErrInvalidFrame = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// pressureThreshold is the free-frame percentage under which the allocator
// reports memory pressure.
const pressureThreshold = 10

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// hint is the index of the lowest frame in the pool that may be free.
	// Every frame below it is known to be reserved.
	hint uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64

	// refCounts holds the number of references to each reserved frame.
	refCounts []uint32
}

func (pool *framePool) frameCount() uint32 {
	return uint32(pool.endFrame-pool.startFrame) + 1
}

func (pool *framePool) isReserved(index uint32) bool {
	return pool.freeBitmap[index>>6]&(1<<(63-(index&63))) != 0
}

// Stats summarizes the allocator's frame usage.
type Stats struct {
	TotalFrames     uint32
	AllocatedFrames uint32
	FreeFrames      uint32
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Frames are
// handed out lowest address first. Each reserved frame carries a reference
// count so frames can be shared between address spaces.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// Init builds one pool per available region of the memory map. Region
// boundaries are rounded inwards to whole frames.
func (alloc *BitmapAllocator) Init(regions []mm.Region) *kernel.Error {
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Overlaps(regions[j]) {
				return ErrRegionOverlap
			}
		}
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.pools = alloc.pools[:0]
	alloc.totalPages, alloc.reservedPages = 0, 0

	for _, region := range regions {
		if region.Type != mm.RegionAvailable {
			continue
		}

		startFrame, endFrame, ok := region.Frames()
		if !ok {
			continue
		}

		pageCount := uint32(endFrame-startFrame) + 1
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits
		// rounded up to a multiple of 64.
		alloc.pools = append(alloc.pools, framePool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
			refCounts:  make([]uint32, pageCount),
		})
	}

	if alloc.totalPages == 0 {
		return ErrNoUsableMemory
	}

	sort.Slice(alloc.pools, func(i, j int) bool {
		return alloc.pools[i].startFrame < alloc.pools[j].startFrame
	})

	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame || frame < alloc.pools[poolIndex].startFrame {
		return
	}

	pool := &alloc.pools[poolIndex]
	relFrame := uint32(frame - pool.startFrame)
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame & 63)))

	switch flag {
	case markFree:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedPages--
		if relFrame < pool.hint {
			pool.hint = relFrame
		}
	case markReserved:
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	index := sort.Search(len(alloc.pools), func(i int) bool {
		return alloc.pools[i].endFrame >= frame
	})

	if index == len(alloc.pools) || frame < alloc.pools[index].startFrame {
		return -1
	}

	return index
}

// AllocFrame reserves the free frame with the lowest physical address.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for index := pool.hint; index < pool.frameCount(); index++ {
			// Skip fully reserved blocks
			if index&63 == 0 && pool.freeBitmap[index>>6] == ^uint64(0) {
				index += 63
				continue
			}

			if pool.isReserved(index) {
				continue
			}

			frame := pool.startFrame + mm.Frame(index)
			alloc.markFrame(poolIndex, frame, markReserved)
			pool.refCounts[index] = 1
			pool.hint = index + 1
			return frame, nil
		}
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// AllocContiguous reserves count physically contiguous frames from a single
// pool and returns the first frame of the run. The lowest-addressed run that
// fits is selected.
func (alloc *BitmapAllocator) AllocContiguous(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrInvalidFrame
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < count {
			continue
		}

		var runStart, runLen uint32
		for index := pool.hint; index < pool.frameCount(); index++ {
			if pool.isReserved(index) {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = index
			}

			if runLen++; runLen < count {
				continue
			}

			first := pool.startFrame + mm.Frame(runStart)
			for i := uint32(0); i < count; i++ {
				alloc.markFrame(poolIndex, first+mm.Frame(i), markReserved)
				pool.refCounts[runStart+i] = 1
			}

			if runStart == pool.hint {
				pool.hint = runStart + count
			}
			return first, nil
		}
	}

	return mm.InvalidFrame, mm.ErrOutOfMemory
}

// FreeFrame drops a reference to frame. The frame becomes available for
// allocation once its last reference is dropped.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		alloc.lock.Release()
		return mm.ReportMisuse(ErrInvalidFrame)
	}

	pool := &alloc.pools[poolIndex]
	relFrame := uint32(frame - pool.startFrame)
	if !pool.isReserved(relFrame) {
		alloc.lock.Release()
		return mm.ReportMisuse(ErrDoubleFree)
	}

	if pool.refCounts[relFrame]--; pool.refCounts[relFrame] == 0 {
		alloc.markFrame(poolIndex, frame, markFree)
	}

	alloc.lock.Release()
	return nil
}

// ShareFrame adds a reference to an allocated frame.
func (alloc *BitmapAllocator) ShareFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		return ErrInvalidFrame
	}

	pool := &alloc.pools[poolIndex]
	relFrame := uint32(frame - pool.startFrame)
	if !pool.isReserved(relFrame) {
		return ErrInvalidFrame
	}

	pool.refCounts[relFrame]++
	return nil
}

// RefCount returns the number of references held on frame. Free and
// unmanaged frames report zero.
func (alloc *BitmapAllocator) RefCount(frame mm.Frame) uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		return 0
	}

	pool := &alloc.pools[poolIndex]
	return pool.refCounts[frame-pool.startFrame]
}

// ReserveRange marks every free frame overlapping [start, end) as reserved.
// It is used to protect memory that is already in use when the allocator is
// initialized, such as the kernel image.
func (alloc *BitmapAllocator) ReserveRange(start, end uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for frame := mm.FrameFromAddress(start); frame.Address() < end; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex == -1 {
			continue
		}

		pool := &alloc.pools[poolIndex]
		relFrame := uint32(frame - pool.startFrame)
		if pool.isReserved(relFrame) {
			continue
		}

		alloc.markFrame(poolIndex, frame, markReserved)
		pool.refCounts[relFrame] = 1
		if relFrame == pool.hint {
			pool.hint++
		}
	}
}

// Stats returns the allocator's frame counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames:     alloc.totalPages,
		AllocatedFrames: alloc.reservedPages,
		FreeFrames:      alloc.totalPages - alloc.reservedPages,
	}
}

// UnderPressure returns true when less than 10% of all frames are free.
func (alloc *BitmapAllocator) UnderPressure() bool {
	stats := alloc.Stats()
	return uint64(stats.FreeFrames)*100 < uint64(stats.TotalFrames)*pressureThreshold
}

// VisitFrames invokes visitor for every managed frame in address order along
// with its reference count. Visiting stops if visitor returns false.
func (alloc *BitmapAllocator) VisitFrames(visitor func(frame mm.Frame, refs uint32) bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for index := uint32(0); index < pool.frameCount(); index++ {
			if !visitor(pool.startFrame+mm.Frame(index), pool.refCounts[index]) {
				return
			}
		}
	}
}

// printStats logs the allocator's pool layout and usage.
func (alloc *BitmapAllocator) printStats() {
	stats := alloc.Stats()
	kfmt.Fprintf(
		logger,
		"page stats: free: %d/%d (%d reserved)\n",
		stats.FreeFrames,
		stats.TotalFrames,
		stats.AllocatedFrames,
	)

	alloc.lock.Acquire()
	for _, pool := range alloc.pools {
		kfmt.Fprintf(logger, "pool [0x%16x - 0x%16x]: %d frames\n",
			pool.startFrame.Address(),
			pool.endFrame.Address()+mm.PageSize-1,
			pool.frameCount(),
		)
	}
	alloc.lock.Release()
}
