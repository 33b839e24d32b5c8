package vmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/cpu"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

// tlbInsertFn is mocked by tests.
var tlbInsertFn = (*cpu.TLB).Insert

// maxFaultRetries bounds the number of faults a single access may raise
// before it is reported as a violation.
const maxFaultRetries = 3

// TranslateAccess emulates the MMU of processor id: it translates virtAddr
// for the given access using the processor's translation cache, walks the
// page tables on a miss and raises a page fault when the walk does not
// permit the access. It returns the physical address of virtAddr.
func (m *Manager) TranslateAccess(id cpu.ID, virtAddr uintptr, access Access, user bool) (uintptr, *kernel.Error) {
	if !id.Valid() {
		return 0, ErrInvalidHandle
	}

	var (
		page   = virtAddr &^ (mm.PageSize - 1)
		offset = virtAddr & (mm.PageSize - 1)
		tlb    = cpu.TLBFor(id)
	)

	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		as := m.spaceFor(id, virtAddr)
		root := as.root.Address()

		if raw, ok := tlb.Lookup(root, page); ok {
			if entry := m.format.Decode(raw, true); entry.permits(access, user) {
				return entry.Frame().Address() + offset, nil
			}
		}

		as.lock.Acquire()
		entry, found := pageTableEntry(0), false
		if !as.destroyed {
			entry, found = as.leafEntry(page)
		}
		allowed := found && entry.permits(access, user)
		if allowed {
			entry.SetFlags(FlagAccessed)
			if access == AccessWrite {
				entry.SetFlags(FlagDirty)
			}
			as.setLeafEntry(page, entry)

			// Refills and invalidations both happen under the space lock.
			tlbInsertFn(tlb, root, page, m.format.Encode(entry, true))
		}
		as.lock.Release()

		if allowed {
			return entry.Frame().Address() + offset, nil
		}

		fault := Fault{
			CPU:     id,
			Address: virtAddr,
			Access:  access,
			User:    user,
			Present: entry.HasFlags(FlagPresent),
			Space:   as,
		}
		if outcome, err := m.HandleFault(fault); outcome == OutcomeEscalated {
			return 0, err
		}
	}

	return 0, ErrAccessViolation
}

// Read copies len(dst) bytes starting at virtAddr, as seen by processor id,
// into dst.
func (m *Manager) Read(id cpu.ID, virtAddr uintptr, dst []byte, user bool) *kernel.Error {
	return m.copyVirtual(id, virtAddr, dst, AccessRead, user)
}

// Write copies src to virtAddr as seen by processor id.
func (m *Manager) Write(id cpu.ID, virtAddr uintptr, src []byte, user bool) *kernel.Error {
	return m.copyVirtual(id, virtAddr, src, AccessWrite, user)
}

func (m *Manager) copyVirtual(id cpu.ID, virtAddr uintptr, buf []byte, access Access, user bool) *kernel.Error {
	for len(buf) > 0 {
		physAddr, err := m.TranslateAccess(id, virtAddr, access, user)
		if err != nil {
			return err
		}

		n := mm.PageSize - virtAddr&(mm.PageSize-1)
		if n > uintptr(len(buf)) {
			n = uintptr(len(buf))
		}

		if access == AccessWrite {
			copy(m.mem.Bytes(physAddr, n), buf[:n])
		} else {
			copy(buf[:n], m.mem.Bytes(physAddr, n))
		}

		buf = buf[n:]
		virtAddr += n
	}

	return nil
}
