package vmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/cpu"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

// Access describes the kind of memory access that triggered a fault.
type Access uint8

const (
	// AccessRead is a data load.
	AccessRead Access = iota

	// AccessWrite is a data store.
	AccessWrite

	// AccessExecute is an instruction fetch.
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "read"
	}
}

// Page fault error code bits pushed by amd64 processors.
const (
	faultCodePresent     = 1 << 0
	faultCodeWrite       = 1 << 1
	faultCodeUser        = 1 << 2
	faultCodeReserved    = 1 << 3
	faultCodeInstruction = 1 << 4
)

// Fault describes a trapped page fault.
type Fault struct {
	// CPU is the processor that raised the fault.
	CPU cpu.ID

	// Address is the faulting virtual address.
	Address uintptr

	Access Access

	// User is set if the access originated in user mode.
	User bool

	// Present is set if the fault was caused by a protection check on a
	// present page.
	Present bool

	// Reserved is set if the processor found reserved bits set in a page
	// table entry.
	Reserved bool

	// Space is the address space the fault is resolved against. If nil,
	// the address space active on CPU is used for lower half addresses and
	// the kernel address space otherwise.
	Space *AddressSpace
}

// DecodeFault builds a Fault from the faulting address and the error code
// pushed by an amd64 processor.
func DecodeFault(id cpu.ID, faultAddr uintptr, errorCode uint64) Fault {
	f := Fault{
		CPU:      id,
		Address:  faultAddr,
		User:     errorCode&faultCodeUser != 0,
		Present:  errorCode&faultCodePresent != 0,
		Reserved: errorCode&faultCodeReserved != 0,
	}

	switch {
	case errorCode&faultCodeInstruction != 0:
		f.Access = AccessExecute
	case errorCode&faultCodeWrite != 0:
		f.Access = AccessWrite
	}

	return f
}

// FaultClass is the result of classifying a fault against the mappings of
// an address space.
type FaultClass uint8

const (
	// FaultCopyOnWrite is a write to a page shared copy-on-write.
	FaultCopyOnWrite FaultClass = iota

	// FaultDemandZero is the first access to an anonymous page.
	FaultDemandZero

	// FaultDemandFile is the first access to a file backed page.
	FaultDemandFile

	// FaultSpurious is a fault for a translation that is already valid,
	// usually raised by a stale translation cache entry.
	FaultSpurious

	// FaultStackGrowth is an access just below a stack mapping.
	FaultStackGrowth

	// FaultViolation is an access that no mapping allows.
	FaultViolation
)

var faultClassNames = [...]string{"copy-on-write", "demand-zero", "demand-file", "spurious", "stack-growth", "violation"}

func (c FaultClass) String() string {
	if int(c) < len(faultClassNames) {
		return faultClassNames[c]
	}
	return "unknown"
}

// Outcome reports how a fault was handled.
type Outcome uint8

const (
	// OutcomeResolved means the faulting access can be retried.
	OutcomeResolved Outcome = iota

	// OutcomeEscalated means the fault was reported as a violation.
	OutcomeEscalated
)

// permits returns true if the entry allows the access.
func (pte pageTableEntry) permits(access Access, user bool) bool {
	if !pte.HasFlags(FlagPresent) || (user && !pte.HasFlags(FlagUserAccessible)) {
		return false
	}

	switch access {
	case AccessWrite:
		return pte.HasFlags(FlagRW)
	case AccessExecute:
		return !pte.HasFlags(FlagNoExecute)
	}
	return true
}

// allows returns true if the mapping permissions allow the access.
func (p Permission) allows(access Access, user bool) bool {
	if user && p&PermUser == 0 {
		return false
	}

	switch access {
	case AccessWrite:
		return p&PermWrite != 0
	case AccessExecute:
		return p&PermExec != 0
	}
	return p&PermRead != 0
}

// Classify returns the class of fault f without resolving it.
func (m *Manager) Classify(f Fault) FaultClass {
	as := m.faultSpace(f)

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return FaultViolation
	}

	class, _ := as.classify(f)
	return class
}

// HandleFault resolves a page fault. Copy-on-write faults give the writer a
// private copy of the page, first accesses to lazily backed pages install
// the backing frame and accesses just below a stack extend it. Every other
// fault is logged, reported to the OnAccessViolation callback and returned
// with OutcomeEscalated.
func (m *Manager) HandleFault(f Fault) (Outcome, *kernel.Error) {
	if !f.CPU.Valid() {
		return m.escalate(f, ErrInvalidHandle)
	}

	if f.Reserved || (f.User && f.Address >= kernelSpaceStart(m.format)) {
		return m.escalate(f, ErrAccessViolation)
	}

	as := m.faultSpace(f)
	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return m.escalate(f, ErrInvalidHandle)
	}

	class, mapping := as.classify(f)
	page := f.Address &^ (mm.PageSize - 1)

	var err *kernel.Error
	switch class {
	case FaultCopyOnWrite:
		err = as.resolveCopyOnWrite(page)
	case FaultDemandZero:
		err = as.resolveDemandZero(page, mapping, f.Access)
	case FaultDemandFile:
		err = as.resolveDemandFile(page, mapping)
	case FaultStackGrowth:
		err = as.growStack(page, mapping, f.Access)
	case FaultSpurious:
		cpu.FlushTLBEntry(f.CPU, page)
	default:
		err = ErrAccessViolation
	}
	as.lock.Release()

	if err != nil {
		return m.escalate(f, err)
	}
	return OutcomeResolved, nil
}

func (m *Manager) faultSpace(f Fault) *AddressSpace {
	if f.Space != nil {
		return f.Space
	}
	return m.spaceFor(f.CPU, f.Address)
}

func (m *Manager) escalate(f Fault, err *kernel.Error) (Outcome, *kernel.Error) {
	var reason string
	switch {
	case f.Reserved:
		reason = "page table entry has reserved bits set"
	case f.Present:
		reason = "page protection violation"
	default:
		reason = "page not present"
	}

	kfmt.Fprintf(logger, "unresolved %s fault at 0x%x on cpu %d: %s (%s)\n", f.Access.String(), f.Address, uint32(f.CPU), reason, err.Message)

	if m.onViolation != nil {
		m.onViolation(f, err)
	}
	return OutcomeEscalated, err
}

// classify determines how fault f must be handled. Callers must hold the
// address space lock.
func (as *AddressSpace) classify(f Fault) (FaultClass, *mapping) {
	m := as.find(f.Address)
	if m == nil {
		if m = as.growableStack(f.Address); m != nil && m.perm.allows(f.Access, f.User) {
			return FaultStackGrowth, m
		}
		return FaultViolation, nil
	}

	if !m.perm.allows(f.Access, f.User) {
		return FaultViolation, m
	}

	entry, _ := as.leafEntry(f.Address)
	if entry.HasFlags(FlagPresent) {
		switch {
		case f.Access == AccessWrite && entry.HasFlags(FlagCopyOnWrite):
			return FaultCopyOnWrite, m
		case entry.permits(f.Access, f.User):
			return FaultSpurious, m
		}
		return FaultViolation, m
	}

	switch {
	case !entry.HasFlags(FlagLazy):
		return FaultViolation, m
	case m.kind == BackingFile:
		return FaultDemandFile, m
	}
	return FaultDemandZero, m
}

// growableStack returns the stack mapping whose growth range contains
// virtAddr. Guard pages never match.
func (as *AddressSpace) growableStack(virtAddr uintptr) *mapping {
	for _, m := range as.mappings {
		if m.growsDown && virtAddr >= m.limit && virtAddr < m.start {
			return m
		}
	}
	return nil
}

// resolveCopyOnWrite gives the writer a private, writable copy of the page.
// If the faulting address space holds the only reference to the frame, the
// page is made writable in place.
func (as *AddressSpace) resolveCopyOnWrite(page uintptr) *kernel.Error {
	var (
		mgr      = as.mgr
		entry, _ = as.leafEntry(page)
		frame    = entry.Frame()
	)

	if frame == mgr.zeroFrame || mgr.frames.RefCount(frame) > 1 {
		copyFrame, err := mgr.frames.AllocFrame()
		if err != nil {
			return err
		}

		if frame == mgr.zeroFrame {
			mgr.mem.ZeroFrame(copyFrame)
		} else {
			mgr.mem.Memcopy(frame.Address(), copyFrame.Address(), mm.PageSize)
		}

		entry.SetFrame(copyFrame)
		mgr.releaseFrame(frame)
	}

	entry.ClearFlags(FlagCopyOnWrite)
	entry.SetFlags(FlagRW)
	as.setLeafEntry(page, entry)
	shootdownFn(page)
	return nil
}

// resolveDemandZero installs the backing of an anonymous page. Reads map
// the shared zero frame copy-on-write; writes get a fresh zeroed frame.
func (as *AddressSpace) resolveDemandZero(page uintptr, m *mapping, access Access) *kernel.Error {
	var entry pageTableEntry

	if access == AccessWrite {
		frame, err := as.mgr.allocZeroedFrame()
		if err != nil {
			return err
		}
		entry.SetFrame(frame)
		entry.SetFlags(m.perm.leafFlags())
	} else {
		entry.SetFrame(as.mgr.zeroFrame)
		entry.SetFlags(m.perm.leafFlags() | FlagCopyOnWrite)
		entry.ClearFlags(FlagRW)
	}

	as.setLeafEntry(page, entry)
	return nil
}

// resolveDemandFile reads a page of a file backed mapping into a fresh
// frame.
func (as *AddressSpace) resolveDemandFile(page uintptr, m *mapping) *kernel.Error {
	frame, err := as.mgr.frames.AllocFrame()
	if err != nil {
		return err
	}

	if err = m.pager.ReadPage(m.offset+uint64(page-m.start), as.mgr.mem.FrameBytes(frame)); err != nil {
		_ = as.mgr.frames.FreeFrame(frame)
		return err
	}

	var entry pageTableEntry
	entry.SetFrame(frame)
	entry.SetFlags(m.perm.leafFlags())
	as.setLeafEntry(page, entry)
	return nil
}

// growStack extends the stack mapping m down to page and installs the
// faulting page.
func (as *AddressSpace) growStack(page uintptr, m *mapping, access Access) *kernel.Error {
	if _, err := as.ensureTables(page, m.start); err != nil {
		return err
	}

	for virtAddr := page; virtAddr < m.start; virtAddr += mm.PageSize {
		var lazy pageTableEntry
		lazy.SetFlags(FlagLazy)
		as.setLeafEntry(virtAddr, lazy)
	}
	m.start = page

	return as.resolveDemandZero(page, m, access)
}
