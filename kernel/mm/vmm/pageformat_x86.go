package vmm

// FormatAMD64 is the 4-level x86-64 page table format. The neutral entry
// layout mirrors the hardware one so encoding is the identity; the
// copy-on-write and lazy markers occupy bits that the MMU ignores.
var FormatAMD64 PageFormat = amd64Format{}

type amd64Format struct{}

func (amd64Format) Name() string       { return "amd64" }
func (amd64Format) Levels() uint8      { return 4 }
func (amd64Format) VirtualBits() uint8 { return 48 }

func (amd64Format) Encode(pte pageTableEntry, leaf bool) uint64 {
	if !leaf && pte.HasFlags(FlagPresent) {
		// Intermediate tables grant everything; leaves enforce.
		pte.SetFlags(FlagRW | FlagUserAccessible)
	}
	return uint64(pte)
}

func (amd64Format) Decode(raw uint64, _ bool) pageTableEntry {
	return pageTableEntry(raw)
}
