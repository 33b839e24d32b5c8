package vmm

import "github.com/npequeux/rinux-sub001/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry. Flags use the architecture-neutral layout below; a PageFormat
// translates them to and from the hardware encoding.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the entry points to a frame or table.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when the entry maps a large page instead of
	// pointing to the next table level.
	FlagHugePage

	// FlagGlobal prevents the translation from being flushed when the root
	// table is switched.
	FlagGlobal

	// FlagCopyOnWrite marks a present read-only page whose frame must be
	// duplicated on the first write. This flag and FlagRW are mutually
	// exclusive.
	FlagCopyOnWrite

	// FlagLazy marks a non-present entry that belongs to a mapping whose
	// backing is installed by the fault handler on first access.
	FlagLazy

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// ptePhysPageMask extracts the frame address from an entry. Bits 12-51
// contain the physical address.
const ptePhysPageMask = uint64(0x000ffffffffff000)

// pageTableEntry is an entry in the architecture-neutral layout.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flags set on this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | uint64(frame.Address()))
}
