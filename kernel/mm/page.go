// Package mm defines the types shared by the memory-management subsystems:
// physical frames, virtual pages, boot memory regions and the direct map
// of physical memory.
package mm

import (
	"math"

	"github.com/npequeux/rinux-sub001/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of the first byte in this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Unaligned addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address of the first byte in this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageAligned returns true if addr lies on a page boundary.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

var (
	// ErrOutOfMemory is returned when no physical frames are left to satisfy
	// a request.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// frameAllocator points to the allocator registered with
	// SetFrameAllocator.
	frameAllocator FrameAllocator
)

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a single frame.
	AllocFrame() (Frame, *kernel.Error)

	// AllocContiguous reserves count physically contiguous frames and
	// returns the first one.
	AllocContiguous(count uint32) (Frame, *kernel.Error)

	// FreeFrame drops a reference to frame, releasing it once no
	// references remain.
	FreeFrame(frame Frame) *kernel.Error

	// ShareFrame adds a reference to an allocated frame.
	ShareFrame(frame Frame) *kernel.Error

	// RefCount returns the number of references held on frame.
	RefCount(frame Frame) uint32
}

// SetFrameAllocator registers the allocator used by subsystems that were not
// handed one explicitly.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// ActiveFrameAllocator returns the allocator registered with
// SetFrameAllocator.
func ActiveFrameAllocator() FrameAllocator { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator.AllocFrame() }
