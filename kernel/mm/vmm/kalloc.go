package vmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

// AllocVirtual reserves a virtually contiguous, read-write region of at
// least size bytes in the kernel half and returns its address. The region
// is backed lazily: physical frames are faulted in one page at a time and
// need not be contiguous. Use it for kernel buffers that are too large for
// a run of contiguous frames.
func (m *Manager) AllocVirtual(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidRange
	}

	length := mm.PageAlignUp(size)
	if length < size {
		return 0, mm.ErrOutOfMemory
	}

	return m.kernel.MapAnywhere(length, PermRead|PermWrite, Anonymous())
}

// FreeVirtual releases a region returned by AllocVirtual along with every
// frame that was faulted into it.
func (m *Manager) FreeVirtual(addr, size uintptr) *kernel.Error {
	length := mm.PageAlignUp(size)
	if size == 0 || length < size {
		return ErrInvalidRange
	}

	return m.kernel.Unmap(addr, length)
}
