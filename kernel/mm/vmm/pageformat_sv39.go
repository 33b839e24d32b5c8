package vmm

import "github.com/npequeux/rinux-sub001/kernel/mm"

// FormatSv39 is the 3-level RISC-V Sv39 page table format.
var FormatSv39 PageFormat = sv39Format{}

// Sv39 entry bits.
const (
	sv39Valid    = uint64(1) << 0
	sv39Read     = uint64(1) << 1
	sv39Write    = uint64(1) << 2
	sv39Exec     = uint64(1) << 3
	sv39User     = uint64(1) << 4
	sv39Global   = uint64(1) << 5
	sv39Accessed = uint64(1) << 6
	sv39Dirty    = uint64(1) << 7

	// The two RSW bits are reserved for software.
	sv39CopyOnWrite = uint64(1) << 8
	sv39Lazy        = uint64(1) << 9

	sv39PPNShift = 10
	sv39PPNMask  = uint64(1)<<44 - 1
)

// sv39FlagBits maps the neutral flags that have a direct Sv39 counterpart.
var sv39FlagBits = []struct {
	flag PageTableEntryFlag
	raw  uint64
}{
	{FlagUserAccessible, sv39User},
	{FlagGlobal, sv39Global},
	{FlagAccessed, sv39Accessed},
	{FlagDirty, sv39Dirty},
	{FlagCopyOnWrite, sv39CopyOnWrite},
	{FlagLazy, sv39Lazy},
}

type sv39Format struct{}

func (sv39Format) Name() string       { return "sv39" }
func (sv39Format) Levels() uint8      { return 3 }
func (sv39Format) VirtualBits() uint8 { return 39 }

func (sv39Format) Encode(pte pageTableEntry, leaf bool) uint64 {
	var raw uint64

	if pte.HasFlags(FlagPresent) {
		raw |= sv39Valid
	}
	raw |= (uint64(pte.Frame()) & sv39PPNMask) << sv39PPNShift

	// A valid entry with R=W=X=0 points to the next level.
	if !leaf {
		return raw
	}

	if pte == 0 {
		return 0
	}

	raw |= sv39Read
	if pte.HasFlags(FlagRW) {
		raw |= sv39Write
	}
	if !pte.HasFlags(FlagNoExecute) {
		raw |= sv39Exec
	}

	for _, bit := range sv39FlagBits {
		if pte.HasFlags(bit.flag) {
			raw |= bit.raw
		}
	}

	return raw
}

func (sv39Format) Decode(raw uint64, leaf bool) pageTableEntry {
	var pte pageTableEntry
	if raw == 0 {
		return pte
	}

	pte.SetFrame(mm.Frame((raw >> sv39PPNShift) & sv39PPNMask))
	if raw&sv39Valid != 0 {
		pte.SetFlags(FlagPresent)
	}

	if !leaf {
		pte.SetFlags(FlagRW | FlagUserAccessible)
		return pte
	}

	if raw&sv39Write != 0 {
		pte.SetFlags(FlagRW)
	}
	if raw&sv39Exec == 0 {
		pte.SetFlags(FlagNoExecute)
	}

	for _, bit := range sv39FlagBits {
		if raw&bit.raw != 0 {
			pte.SetFlags(bit.flag)
		}
	}

	return pte
}
