package vmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/cpu"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

// userSpaceBase is the lowest address handed out by FindFree in user
// address spaces.
const userSpaceBase = uintptr(0x400000)

// acquire locks the address space for an update. Updates to the kernel
// address space also hold spacesLock so new root entries can be copied into
// every other address space.
func (as *AddressSpace) acquire() *kernel.Error {
	if as.kernel {
		as.mgr.spacesLock.Acquire()
	}
	as.lock.Acquire()

	if as.destroyed {
		as.release()
		return ErrInvalidHandle
	}
	return nil
}

func (as *AddressSpace) release() {
	as.lock.Release()
	if as.kernel {
		as.mgr.spacesLock.Release()
	}
}

// Map establishes a mapping for [start, start+length) with the given
// permissions. Anonymous and file backed pages are installed by the fault
// handler on first access; shared frames are mapped immediately and gain a
// reference that is dropped when the range is unmapped. If the mapping
// cannot be completed, any page tables allocated by the call are released
// and the address space is left unchanged.
func (as *AddressSpace) Map(start, length uintptr, perm Permission, backing Backing) *kernel.Error {
	end, err := as.validRange(start, length)
	if err != nil {
		return err
	}

	if err = as.acquire(); err != nil {
		return err
	}
	defer as.release()

	return as.mapLocked(newMapping(start, end, perm, backing), backing.frames)
}

func newMapping(start, end uintptr, perm Permission, backing Backing) *mapping {
	return &mapping{
		start:  start,
		end:    end,
		perm:   perm,
		kind:   backing.kind,
		cow:    backing.cow,
		pager:  backing.pager,
		offset: backing.offset,
	}
}

// mapLocked installs m. Callers must hold the address space lock.
func (as *AddressSpace) mapLocked(m *mapping, frames []mm.Frame) *kernel.Error {
	switch m.kind {
	case BackingShared:
		if uintptr(len(frames)) != (m.end-m.start)>>mm.PageShift {
			return ErrInvalidBacking
		}
	case BackingFile:
		if m.pager == nil {
			return ErrInvalidBacking
		}
	}

	if as.overlaps(m.floor(), m.end) {
		return ErrOverlap
	}

	for i, frame := range frames {
		if err := as.mgr.frames.ShareFrame(frame); err != nil {
			as.dropShares(frames[:i])
			return ErrInvalidBacking
		}
	}

	rootIdxs, err := as.ensureTables(m.start, m.end)
	if err != nil {
		as.dropShares(frames)
		return err
	}

	for i, virtAddr := 0, m.start; virtAddr < m.end; i, virtAddr = i+1, virtAddr+mm.PageSize {
		var entry pageTableEntry
		if m.kind == BackingShared {
			entry = leafEntryFor(frames[i], m)
		} else {
			entry.SetFlags(FlagLazy)
		}
		as.setLeafEntry(virtAddr, entry)
	}

	as.insert(m)

	if as.kernel {
		for _, index := range rootIdxs {
			as.mgr.propagateKernelEntry(index)
		}
	}

	return nil
}

// leafEntryFor returns a present leaf entry pointing at frame. Frames of
// private mappings are mapped copy-on-write.
func leafEntryFor(frame mm.Frame, m *mapping) pageTableEntry {
	var entry pageTableEntry
	entry.SetFrame(frame)
	entry.SetFlags(m.perm.leafFlags())
	if m.private() {
		entry.ClearFlags(FlagRW)
		entry.SetFlags(FlagCopyOnWrite)
	}
	return entry
}

func (as *AddressSpace) dropShares(frames []mm.Frame) {
	for _, frame := range frames {
		_ = as.mgr.frames.FreeFrame(frame)
	}
}

// Unmap removes every mapping in [start, start+length). The range may span
// several mappings and may split a mapping in two, but every page in it
// must be mapped. Frames referenced only by the removed entries are
// released, as are page tables left empty. Stale translations are flushed
// on every processor before Unmap returns.
func (as *AddressSpace) Unmap(start, length uintptr) *kernel.Error {
	end, err := as.validRange(start, length)
	if err != nil {
		return err
	}

	if err = as.acquire(); err != nil {
		return err
	}
	defer as.release()

	if !as.covered(start, end) {
		return ErrNotMapped
	}

	as.carve(start, end, true)

	for virtAddr := start; virtAddr < end; virtAddr += mm.PageSize {
		entry, ok := as.leafEntry(virtAddr)
		if !ok || entry == 0 {
			continue
		}

		as.setLeafEntry(virtAddr, 0)
		if entry.HasFlags(FlagPresent) {
			shootdownFn(virtAddr)
			as.mgr.releaseFrame(entry.Frame())
		}
	}

	span := levelSpan(as.mgr.format, as.mgr.format.Levels()-2)
	for virtAddr := start &^ (span - 1); virtAddr < end && virtAddr >= start&^(span-1); virtAddr += span {
		as.reclaimTables(virtAddr)
	}

	return nil
}

// Protect changes the permissions of every page in [start, start+length).
// Pages shared copy-on-write stay read-only until the fault handler gives
// the writer a private copy.
func (as *AddressSpace) Protect(start, length uintptr, perm Permission) *kernel.Error {
	end, err := as.validRange(start, length)
	if err != nil {
		return err
	}

	if err = as.acquire(); err != nil {
		return err
	}
	defer as.release()

	if !as.covered(start, end) {
		return ErrNotMapped
	}

	for _, m := range as.carve(start, end, false) {
		m.perm = perm
		as.insert(m)
	}

	for virtAddr := start; virtAddr < end; virtAddr += mm.PageSize {
		entry, ok := as.leafEntry(virtAddr)
		if !ok || !entry.HasFlags(FlagPresent) {
			continue
		}

		updated := pageTableEntry(0)
		updated.SetFrame(entry.Frame())
		updated.SetFlags(perm.leafFlags() | entry.Flags()&(FlagAccessed|FlagDirty|FlagCopyOnWrite))
		if updated.HasFlags(FlagCopyOnWrite) || entry.Frame() == as.mgr.zeroFrame {
			updated.ClearFlags(FlagRW)
		}

		if updated != entry {
			as.setLeafEntry(virtAddr, updated)
			shootdownFn(virtAddr)
		}
	}

	return nil
}

// FindFree returns the lowest unreserved, page aligned range of length
// bytes in the address space.
func (as *AddressSpace) FindFree(length uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.findFreeLocked(length)
}

func (as *AddressSpace) findFreeLocked(length uintptr) (uintptr, *kernel.Error) {
	if length == 0 || !mm.PageAligned(length) {
		return 0, ErrUnaligned
	}

	var (
		candidate = userSpaceBase
		limit     = userSpaceEnd(as.mgr.format)
	)
	if as.kernel {
		candidate, limit = kernelSpaceStart(as.mgr.format), 0
	}

	for _, m := range as.mappings {
		if m.floor() >= candidate && m.floor()-candidate >= length {
			break
		}
		if m.end > candidate {
			candidate = m.end
		}
	}

	if candidate+length < candidate || (limit != 0 && candidate+length > limit) {
		return 0, mm.ErrOutOfMemory
	}

	return candidate, nil
}

// MapAnywhere maps length bytes at the lowest free address and returns it.
func (as *AddressSpace) MapAnywhere(length uintptr, perm Permission, backing Backing) (uintptr, *kernel.Error) {
	if err := as.acquire(); err != nil {
		return 0, err
	}
	defer as.release()

	start, err := as.findFreeLocked(length)
	if err != nil {
		return 0, err
	}

	if err = as.mapLocked(newMapping(start, start+length, perm, backing), backing.frames); err != nil {
		return 0, err
	}

	return start, nil
}

// MapStack maps an anonymous stack ending at top. The first size bytes
// below top are mapped immediately; the fault handler extends the mapping
// downwards on access, up to maxSize bytes. The configured number of guard
// pages below the growth limit stay unmapped and accesses to them are
// reported as violations. Stacks can only be created in user address
// spaces.
func (as *AddressSpace) MapStack(top, size, maxSize uintptr, perm Permission) *kernel.Error {
	if as.kernel {
		return ErrInvalidRange
	}

	if !mm.PageAligned(size) || !mm.PageAligned(maxSize) {
		return ErrUnaligned
	}

	guard := as.mgr.guardPages << mm.PageShift
	if size == 0 || size > maxSize || top < maxSize+guard {
		return ErrInvalidRange
	}

	end, err := as.validRange(top-size, size)
	if err != nil {
		return err
	}

	if err = as.acquire(); err != nil {
		return err
	}
	defer as.release()

	m := newMapping(top-size, end, perm, Anonymous())
	m.growsDown = true
	m.limit = top - maxSize
	m.guard = guard

	return as.mapLocked(m, nil)
}

// Translate returns the physical address that virtAddr maps to. Pages that
// have not been faulted in yet report ErrNotMapped.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return 0, ErrInvalidHandle
	}

	entry, ok := as.leafEntry(virtAddr)
	if !ok || !entry.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	return entry.Frame().Address() + virtAddr&(mm.PageSize-1), nil
}

// Fork creates a copy of the address space. Private pages are shared
// copy-on-write between both address spaces; pages of shared mappings
// refer to the same frames.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	if as.kernel {
		return nil, ErrInvalidHandle
	}

	child, err := as.mgr.CreateAddressSpace()
	if err != nil {
		return nil, err
	}

	as.lock.Acquire()
	if as.destroyed {
		err = ErrInvalidHandle
	} else {
		err = as.copyInto(child)
	}
	as.lock.Release()

	if err != nil {
		_ = as.mgr.DestroyAddressSpace(child)
		return nil, err
	}

	return child, nil
}

// copyInto duplicates every mapping into child. Callers must hold the
// address space lock.
func (as *AddressSpace) copyInto(child *AddressSpace) *kernel.Error {
	for _, m := range as.mappings {
		if _, err := child.ensureTables(m.start, m.end); err != nil {
			return err
		}

		dup := *m
		child.mappings = append(child.mappings, &dup)

		for virtAddr := m.start; virtAddr < m.end; virtAddr += mm.PageSize {
			entry, ok := as.leafEntry(virtAddr)
			if !ok || entry == 0 {
				continue
			}

			if entry.HasFlags(FlagPresent) && entry.Frame() != as.mgr.zeroFrame {
				if err := as.mgr.frames.ShareFrame(entry.Frame()); err != nil {
					return err
				}

				if m.private() && !entry.HasFlags(FlagCopyOnWrite) {
					wasWritable := entry.HasFlags(FlagRW)
					entry.ClearFlags(FlagRW)
					entry.SetFlags(FlagCopyOnWrite)
					as.setLeafEntry(virtAddr, entry)
					if wasWritable {
						shootdownFn(virtAddr)
					}
				}
			}

			child.setLeafEntry(virtAddr, entry)
		}
	}

	return nil
}

// Activate switches processor id to the address space.
func (as *AddressSpace) Activate(id cpu.ID) *kernel.Error {
	if !id.Valid() {
		return ErrInvalidHandle
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return ErrInvalidHandle
	}

	as.mgr.activeLock.Acquire()
	as.mgr.active[id] = as
	as.mgr.activeLock.Release()

	switchPDTFn(id, as.root.Address())
	return nil
}
