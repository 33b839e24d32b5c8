package vmm

import "github.com/npequeux/rinux-sub001/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and a pointer to the decoded
// entry for that level. Changes to the entry are written back to the table
// once the walker returns. If the function returns false, then the page walk
// is aborted.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls
// the supplied walkFn with the page table entry that corresponds to each
// page table level. The walk stops at the last level, at the first entry
// that is not present, or when walkFn returns false.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		format = as.mgr.format
		mem    = as.mgr.mem
		levels = format.Levels()
		table  = as.root
	)

	for level := uint8(0); level < levels; level++ {
		leaf := level == levels-1
		entryAddr := table.Address() + entryIndex(format, virtAddr, level)<<mm.PointerShift

		orig := format.Decode(mem.ReadUint64(entryAddr), leaf)
		pte := orig
		ok := walkFn(level, &pte)
		if pte != orig {
			mem.WriteUint64(entryAddr, format.Encode(pte, leaf))
		}

		if !ok || leaf || !pte.HasFlags(FlagPresent) {
			return
		}

		table = pte.Frame()
	}
}

// leafEntry returns the last level entry for virtAddr. The second return
// value is false if an intermediate table is missing.
func (as *AddressSpace) leafEntry(virtAddr uintptr) (pageTableEntry, bool) {
	var (
		last  = as.mgr.format.Levels() - 1
		entry pageTableEntry
		found bool
	)

	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == last {
			entry, found = *pte, true
		}
		return true
	})

	return entry, found
}

// setLeafEntry replaces the last level entry for virtAddr. The intermediate
// tables must already exist.
func (as *AddressSpace) setLeafEntry(virtAddr uintptr, entry pageTableEntry) {
	last := as.mgr.format.Levels() - 1
	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == last {
			*pte = entry
		}
		return true
	})
}

// clearEntry zeroes the entry for virtAddr at the given level.
func (as *AddressSpace) clearEntry(virtAddr uintptr, atLevel uint8) {
	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == atLevel {
			*pte = 0
			return false
		}
		return true
	})
}

// tableEmpty returns true if no entry of the table stored in frame is in
// use.
func (as *AddressSpace) tableEmpty(frame mm.Frame) bool {
	for _, b := range as.mgr.mem.FrameBytes(frame) {
		if b != 0 {
			return false
		}
	}
	return true
}
