// Package vmm implements virtual address spaces on top of the physical frame
// allocator: page table construction, mapping, unmapping and permission
// changes, the page fault handler and a software model of the MMU used to
// exercise them.
package vmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/cpu"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

var (
	// the following functions are mocked by tests.
	shootdownFn    = cpu.ShootdownTLBEntry
	shootdownAllFn = cpu.ShootdownAll
	switchPDTFn    = cpu.SwitchPDT

	logger = kfmt.NewPrefixWriter("[vmm] ")

	// ErrOverlap is returned when mapping a range that intersects an
	// existing mapping.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "range overlaps an existing mapping"}

	// ErrNotMapped is returned when a range is not fully covered by
	// mappings.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "range is not mapped"}

	// ErrUnaligned is returned when a range start or length is not page
	// aligned.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "range is not page aligned"}

	// ErrInvalidHandle is returned when operating on a destroyed address
	// space or attempting to destroy the kernel address space.
	ErrInvalidHandle = &kernel.Error{Module: "vmm", Message: "invalid address space handle"}

	// ErrInvalidRange is returned for empty ranges and ranges outside the
	// half of the virtual address space owned by the address space.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "invalid virtual address range"}

	// ErrInvalidBacking is returned when a backing does not match the
	// mapped range.
	ErrInvalidBacking = &kernel.Error{Module: "vmm", Message: "invalid mapping backing"}

	// ErrAccessViolation is reported for faults that cannot be resolved.
	ErrAccessViolation = &kernel.Error{Module: "vmm", Message: "access violation"}

	// ErrInvalidConfig is returned by NewManager when a required
	// collaborator is missing.
	ErrInvalidConfig = &kernel.Error{Module: "vmm", Message: "invalid configuration"}
)

// defaultStackGuardPages is the size of the unmapped gap kept below the
// growth limit of a stack mapping.
const defaultStackGuardPages = 1

// Config holds the collaborators and tunables of a Manager.
type Config struct {
	// Frames supplies page table and backing frames. If nil, the
	// allocator registered with mm.SetFrameAllocator is used.
	Frames mm.FrameAllocator

	// Memory is the direct map used to access page tables and frame
	// contents.
	Memory *mm.PhysicalMemory

	// Format selects the page table layout. Defaults to FormatAMD64.
	Format PageFormat

	// StackGuardPages is the number of unmapped pages kept below the
	// growth limit of stack mappings. Defaults to 1.
	StackGuardPages uintptr

	// OnAccessViolation is invoked for every fault that cannot be
	// resolved. It is expected to terminate the faulting task.
	OnAccessViolation func(f Fault, err *kernel.Error)
}

// Manager owns the kernel address space and every address space created
// from it.
//
// Lock order: spacesLock, then an AddressSpace lock, then activeLock. The
// frame allocator and translation caches are only called with leaf locks.
type Manager struct {
	format      PageFormat
	frames      mm.FrameAllocator
	mem         *mm.PhysicalMemory
	guardPages  uintptr
	onViolation func(Fault, *kernel.Error)

	// zeroFrame is a cleared frame shared read-only by every page of an
	// anonymous mapping that was read before being written.
	zeroFrame mm.Frame
	kernel    *AddressSpace

	spacesLock sync.Spinlock
	spaces     []*AddressSpace

	activeLock sync.Spinlock
	active     [cpu.MaxCPUs]*AddressSpace
}

// NewManager creates the kernel address space and reserves the shared zero
// frame.
func NewManager(cfg Config) (*Manager, *kernel.Error) {
	if cfg.Frames == nil {
		cfg.Frames = mm.ActiveFrameAllocator()
	}

	if cfg.Frames == nil || cfg.Memory == nil {
		return nil, ErrInvalidConfig
	}

	if cfg.Format == nil {
		cfg.Format = FormatAMD64
	}

	if cfg.StackGuardPages == 0 {
		cfg.StackGuardPages = defaultStackGuardPages
	}

	m := &Manager{
		format:      cfg.Format,
		frames:      cfg.Frames,
		mem:         cfg.Memory,
		guardPages:  cfg.StackGuardPages,
		onViolation: cfg.OnAccessViolation,
	}

	var err *kernel.Error
	if m.zeroFrame, err = m.allocZeroedFrame(); err != nil {
		return nil, err
	}

	root, err := m.allocZeroedFrame()
	if err != nil {
		_ = m.frames.FreeFrame(m.zeroFrame)
		return nil, err
	}

	m.kernel = &AddressSpace{mgr: m, root: root, kernel: true}
	kfmt.Fprintf(logger, "%s paging, kernel root table at 0x%x\n", m.format.Name(), root.Address())

	return m, nil
}

// Format returns the page table layout used by the manager.
func (m *Manager) Format() PageFormat {
	return m.format
}

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernel
}

// CreateAddressSpace allocates a new address space whose upper half shares
// the kernel's mappings.
func (m *Manager) CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := m.allocZeroedFrame()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{mgr: m, root: root}

	m.spacesLock.Acquire()
	m.kernel.lock.Acquire()
	for index := kernelRootIndex(m.format); index < entriesPerTable; index++ {
		offset := index << mm.PointerShift
		m.mem.WriteUint64(root.Address()+offset, m.mem.ReadUint64(m.kernel.root.Address()+offset))
	}
	m.kernel.lock.Release()

	m.spaces = append(m.spaces, as)
	m.spacesLock.Release()

	return as, nil
}

// DestroyAddressSpace releases every user mapping, page table and the root
// table of as. Processors running on as are switched to the kernel address
// space. Destroying a handle twice, or destroying the kernel address space,
// returns ErrInvalidHandle.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) *kernel.Error {
	if as == nil || as.kernel {
		return ErrInvalidHandle
	}

	m.spacesLock.Acquire()
	defer m.spacesLock.Release()

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return ErrInvalidHandle
	}

	m.activeLock.Acquire()
	for id := range m.active {
		if m.active[id] == as {
			m.active[id] = nil
			switchPDTFn(cpu.ID(id), m.kernel.root.Address())
		}
	}
	m.activeLock.Release()

	as.freeTable(as.root, 0)
	_ = m.frames.FreeFrame(as.root)
	shootdownAllFn()

	as.destroyed = true
	as.mappings = nil

	for i, space := range m.spaces {
		if space == as {
			m.spaces = append(m.spaces[:i], m.spaces[i+1:]...)
			break
		}
	}

	return nil
}

// Active returns the address space that is active on processor id, or the
// kernel address space if none was activated or id is out of range.
func (m *Manager) Active(id cpu.ID) *AddressSpace {
	if !id.Valid() {
		return m.kernel
	}

	m.activeLock.Acquire()
	defer m.activeLock.Release()

	if as := m.active[id]; as != nil {
		return as
	}
	return m.kernel
}

// spaceFor returns the address space that translates virtAddr on processor
// id.
func (m *Manager) spaceFor(id cpu.ID, virtAddr uintptr) *AddressSpace {
	if virtAddr >= kernelSpaceStart(m.format) {
		return m.kernel
	}
	return m.Active(id)
}

func (m *Manager) allocZeroedFrame() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	m.mem.ZeroFrame(frame)
	return frame, nil
}

// releaseFrame drops the reference held by a leaf entry.
func (m *Manager) releaseFrame(frame mm.Frame) {
	if frame == m.zeroFrame {
		return
	}

	if err := m.frames.FreeFrame(frame); err != nil {
		kfmt.Fprintf(logger, "unable to release frame 0x%x: %s\n", frame.Address(), err.Message)
	}
}

// propagateKernelEntry copies a kernel root entry into every user address
// space. Callers must hold spacesLock.
func (m *Manager) propagateKernelEntry(index uintptr) {
	offset := index << mm.PointerShift
	raw := m.mem.ReadUint64(m.kernel.root.Address() + offset)
	for _, as := range m.spaces {
		m.mem.WriteUint64(as.root.Address()+offset, raw)
	}
}
