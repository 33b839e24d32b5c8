// Package heap provides the kernel's general-purpose allocator. Requests that
// fit a slab size class are served by the slab allocator; larger requests get
// whole runs of physically contiguous frames. The heap works purely on
// direct-mapped memory and never touches page tables.
package heap

import (
	"math"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/mm/slab"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

// defaultAlign is the alignment used when Alloc is called with align 0.
const defaultAlign = 8

var (
	// ErrInvalidFree is returned when freeing an address that is not a
	// live heap allocation.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "invalid free"}

	// ErrInvalidAlignment is returned when the requested alignment is not a
	// power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
)

type largeAlloc struct {
	base   mm.Frame
	frames uint32
	size   uintptr
}

// Stats reports heap usage.
type Stats struct {
	LargeAllocs uint32
	LargeFrames uint32
	Classes     []slab.ClassStats
}

// Heap is the kernel's general-purpose allocator.
type Heap struct {
	frames mm.FrameAllocator
	slabs  *slab.Allocator
	mem    *mm.PhysicalMemory

	// largeLock guards large. It is a leaf lock: it is never held while
	// calling the slab or frame allocator.
	largeLock sync.Spinlock
	large     map[uintptr]largeAlloc
}

// New creates a heap on top of the supplied allocators. mem is used to
// expose allocation contents through Bytes.
func New(frames mm.FrameAllocator, slabs *slab.Allocator, mem *mm.PhysicalMemory) *Heap {
	return &Heap{
		frames: frames,
		slabs:  slabs,
		mem:    mem,
		large:  make(map[uintptr]largeAlloc),
	}
}

// Alloc reserves size bytes aligned to align and returns the address of the
// first byte. An align of 0 selects 8-byte alignment.
func (h *Heap) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 {
		align = defaultAlign
	}

	if align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	if size == 0 {
		size = 1
	}

	if class := h.slabClass(size, align); class != 0 {
		return h.slabs.Alloc(class)
	}

	return h.allocLarge(size, align)
}

// slabClass returns the smallest slab class that can hold size bytes and
// whose slots are aligned to align, or 0 if the request must bypass the slab
// allocator.
func (h *Heap) slabClass(size, align uintptr) uint32 {
	req := size
	if align > req {
		req = align
	}

	for req <= uintptr(h.slabs.MaxSize()) {
		class := h.slabs.ClassFor(uint32(req))
		if class == 0 {
			return 0
		}

		// Slabs start on a frame boundary so a slot is aligned to align
		// whenever the class size is a multiple of it.
		if uintptr(class)%align == 0 {
			return class
		}
		req = uintptr(class) + 1
	}

	return 0
}

func (h *Heap) allocLarge(size, align uintptr) (uintptr, *kernel.Error) {
	pages := size >> mm.PageShift
	if size&(mm.PageSize-1) != 0 {
		pages++
	}

	count := pages
	if align > mm.PageSize {
		extra := align>>mm.PageShift - 1
		if count > ^uintptr(0)-extra {
			return 0, mm.ErrOutOfMemory
		}
		count += extra
	}

	if count > math.MaxUint32 {
		return 0, mm.ErrOutOfMemory
	}

	base, err := h.frames.AllocContiguous(uint32(count))
	if err != nil {
		return 0, err
	}

	addr := (base.Address() + align - 1) &^ (align - 1)

	h.largeLock.Acquire()
	h.large[addr] = largeAlloc{base: base, frames: uint32(count), size: size}
	h.largeLock.Release()

	return addr, nil
}

// Free releases an allocation returned by Alloc.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	h.largeLock.Acquire()
	alloc, isLarge := h.large[addr]
	if isLarge {
		delete(h.large, addr)
	}
	h.largeLock.Release()

	if isLarge {
		for i := uint32(0); i < alloc.frames; i++ {
			if err := h.frames.FreeFrame(alloc.base + mm.Frame(i)); err != nil {
				return err
			}
		}
		return nil
	}

	if !h.slabs.Owns(addr) {
		return mm.ReportMisuse(ErrInvalidFree)
	}

	if err := h.slabs.Free(addr); err != nil {
		return ErrInvalidFree
	}
	return nil
}

// Bytes returns a slice aliasing size bytes at addr.
func (h *Heap) Bytes(addr, size uintptr) []byte {
	return h.mem.Bytes(addr, size)
}

// Stats returns the current heap usage.
func (h *Heap) Stats() Stats {
	var stats Stats

	h.largeLock.Acquire()
	for _, alloc := range h.large {
		stats.LargeAllocs++
		stats.LargeFrames += alloc.frames
	}
	h.largeLock.Release()

	stats.Classes = h.slabs.Stats()
	return stats
}
