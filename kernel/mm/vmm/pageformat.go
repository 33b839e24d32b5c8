package vmm

const (
	// entriesPerTable is the number of entries in a page table for every
	// supported format.
	entriesPerTable = 512

	// levelBits is the number of virtual address bits resolved by each
	// table level.
	levelBits = 9
)

// PageFormat describes an architecture's page table layout. Implementations
// only deal with entry encoding; the table walk itself is shared.
type PageFormat interface {
	// Name returns a short identifier for the format.
	Name() string

	// Levels returns the depth of the page table tree.
	Levels() uint8

	// VirtualBits returns the number of significant virtual address bits.
	VirtualBits() uint8

	// Encode converts an entry into its hardware representation. leaf is
	// true for entries in the last table level.
	Encode(pte pageTableEntry, leaf bool) uint64

	// Decode converts a hardware entry back to the neutral layout.
	Decode(raw uint64, leaf bool) pageTableEntry
}

// entryIndex returns the index of the entry covering virtAddr in a table at
// the given level.
func entryIndex(format PageFormat, virtAddr uintptr, level uint8) uintptr {
	shift := 12 + levelBits*uint(format.Levels()-1-level)
	return (virtAddr >> shift) & (entriesPerTable - 1)
}

// levelSpan returns the number of bytes covered by one entry at level.
func levelSpan(format PageFormat, level uint8) uintptr {
	return uintptr(1) << (12 + levelBits*uint(format.Levels()-1-level))
}

// userSpaceEnd returns the first address past the lower half of the virtual
// address space.
func userSpaceEnd(format PageFormat) uintptr {
	return uintptr(1) << (format.VirtualBits() - 1)
}

// kernelSpaceStart returns the first canonical address of the upper half.
func kernelSpaceStart(format PageFormat) uintptr {
	return ^uintptr(0) << (format.VirtualBits() - 1)
}

// kernelRootIndex returns the first root table index that belongs to the
// kernel half. Root entries from this index onwards are shared by all
// address spaces.
func kernelRootIndex(format PageFormat) uintptr {
	return entryIndex(format, kernelSpaceStart(format), 0)
}
