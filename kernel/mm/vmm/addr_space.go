package vmm

import (
	"sort"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

// Permission describes the access rights of a mapping.
type Permission uint8

const (
	// PermRead allows loads from the mapping.
	PermRead Permission = 1 << iota

	// PermWrite allows stores to the mapping.
	PermWrite

	// PermExec allows instruction fetches from the mapping.
	PermExec

	// PermUser makes the mapping accessible from user mode.
	PermUser
)

// leafFlags returns the flags of a present leaf entry with the given
// permissions.
func (p Permission) leafFlags() PageTableEntryFlag {
	flags := FlagPresent
	if p&PermWrite != 0 {
		flags |= FlagRW
	}
	if p&PermUser != 0 {
		flags |= FlagUserAccessible
	}
	if p&PermExec == 0 {
		flags |= FlagNoExecute
	}
	return flags
}

// BackingKind identifies where the contents of a mapping come from.
type BackingKind uint8

const (
	// BackingAnonymous mappings are zero-filled on first access.
	BackingAnonymous BackingKind = iota

	// BackingShared mappings point at caller supplied frames.
	BackingShared

	// BackingFile mappings are filled from a Pager on first access.
	BackingFile
)

// Pager supplies the contents of file backed mappings.
type Pager interface {
	// ReadPage fills dst with the page found at offset.
	ReadPage(offset uint64, dst []byte) *kernel.Error
}

// Backing describes the source of a mapping's contents.
type Backing struct {
	kind   BackingKind
	frames []mm.Frame
	cow    bool
	pager  Pager
	offset uint64
}

// Anonymous returns a backing for zero-filled memory allocated on demand.
func Anonymous() Backing {
	return Backing{kind: BackingAnonymous}
}

// SharedFrames returns a backing that maps the supplied frames, one per
// page. If cow is set, writes give the writer a private copy.
func SharedFrames(frames []mm.Frame, cow bool) Backing {
	return Backing{kind: BackingShared, frames: frames, cow: cow}
}

// FileBacked returns a backing whose pages are read from pager starting at
// offset when first accessed.
func FileBacked(pager Pager, offset uint64) Backing {
	return Backing{kind: BackingFile, pager: pager, offset: offset}
}

// mapping is a contiguous virtual range with uniform permissions and
// backing.
type mapping struct {
	start, end uintptr
	perm       Permission
	kind       BackingKind
	cow        bool
	pager      Pager
	offset     uint64

	// growsDown is set for stack mappings that may be extended downwards
	// to limit by the fault handler.
	growsDown bool
	limit     uintptr
	guard     uintptr
}

// floor returns the lowest address reserved by the mapping.
func (m *mapping) floor() uintptr {
	if m.growsDown {
		return m.limit - m.guard
	}
	return m.start
}

// private returns true if writes to the mapping must not be visible to
// other address spaces.
func (m *mapping) private() bool {
	return m.kind != BackingShared || m.cow
}

// Mapping describes a mapped range of an address space.
type Mapping struct {
	Start, End uintptr
	Perm       Permission
	Kind       BackingKind
	GrowsDown  bool
}

// AddressSpace is a page table tree together with the list of mapped
// ranges.
type AddressSpace struct {
	mgr    *Manager
	root   mm.Frame
	kernel bool

	// lock guards the page tables below the root and every field below.
	lock      sync.Spinlock
	destroyed bool

	// mappings is sorted by start address and never overlaps.
	mappings []*mapping
}

// Root returns the frame holding the root page table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// Mappings returns a snapshot of the mapped ranges sorted by address.
func (as *AddressSpace) Mappings() []Mapping {
	as.lock.Acquire()
	defer as.lock.Release()

	list := make([]Mapping, 0, len(as.mappings))
	for _, m := range as.mappings {
		list = append(list, Mapping{Start: m.start, End: m.end, Perm: m.perm, Kind: m.kind, GrowsDown: m.growsDown})
	}
	return list
}

// validRange checks that [start, start+length) is a non-empty page aligned
// range inside the half of the address space owned by as.
func (as *AddressSpace) validRange(start, length uintptr) (uintptr, *kernel.Error) {
	if !mm.PageAligned(start) || !mm.PageAligned(length) {
		return 0, ErrUnaligned
	}

	end := start + length
	if length == 0 || end < start {
		return 0, ErrInvalidRange
	}

	format := as.mgr.format
	if as.kernel {
		if start < kernelSpaceStart(format) {
			return 0, ErrInvalidRange
		}
	} else if end > userSpaceEnd(format) {
		return 0, ErrInvalidRange
	}

	return end, nil
}

// overlaps returns true if any mapping reserves an address in [start, end).
func (as *AddressSpace) overlaps(start, end uintptr) bool {
	for _, m := range as.mappings {
		if m.floor() < end && start < m.end {
			return true
		}
	}
	return false
}

// covered returns true if every address in [start, end) belongs to a
// mapping.
func (as *AddressSpace) covered(start, end uintptr) bool {
	next := start
	for _, m := range as.mappings {
		if m.end <= next {
			continue
		}
		if m.start > next {
			return false
		}
		if next = m.end; next >= end {
			return true
		}
	}
	return false
}

// find returns the mapping containing virtAddr or nil.
func (as *AddressSpace) find(virtAddr uintptr) *mapping {
	index := sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].end > virtAddr
	})

	if index < len(as.mappings) && as.mappings[index].start <= virtAddr {
		return as.mappings[index]
	}
	return nil
}

// insert adds m to the sorted mapping list.
func (as *AddressSpace) insert(m *mapping) {
	index := sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].start > m.start
	})

	as.mappings = append(as.mappings, nil)
	copy(as.mappings[index+1:], as.mappings[index:])
	as.mappings[index] = m
}

// carve removes [start, end) from the mapping list and returns the removed
// pieces. Parts of intersecting mappings outside the range stay in the list.
// Stack growth properties follow the lowest surviving piece of a split
// mapping; unmap is set when the removed pieces will not be reinserted.
func (as *AddressSpace) carve(start, end uintptr, unmap bool) []*mapping {
	var (
		kept    = as.mappings[:0:0]
		removed []*mapping
	)

	for _, m := range as.mappings {
		if m.end <= start || m.start >= end {
			kept = append(kept, m)
			continue
		}

		if m.start < start {
			left := *m
			left.end = start
			kept = append(kept, &left)
		}

		mid := *m
		if mid.start < start {
			mid.start = start
			mid.growsDown = false
		}
		if mid.end > end {
			mid.end = end
		}
		mid.offset = m.offset + uint64(mid.start-m.start)
		removed = append(removed, &mid)

		if m.end > end {
			right := *m
			right.start = end
			right.offset = m.offset + uint64(end-m.start)
			right.growsDown = false
			if m.growsDown && m.start >= start && unmap {
				right.growsDown = true
			}
			kept = append(kept, &right)
		}
	}

	as.mappings = kept
	sort.Slice(as.mappings, func(i, j int) bool { return as.mappings[i].start < as.mappings[j].start })
	return removed
}

// createdTable records a page table allocated by ensureTables.
type createdTable struct {
	virtAddr uintptr
	level    uint8
	frame    mm.Frame
}

// ensureTables allocates every missing intermediate table needed to map
// [start, end). On failure, the tables allocated by this call are released
// and the tree is left unchanged. The returned list holds the root indices
// of newly populated root entries.
func (as *AddressSpace) ensureTables(start, end uintptr) ([]uintptr, *kernel.Error) {
	var (
		format   = as.mgr.format
		last     = format.Levels() - 1
		span     = levelSpan(format, last-1)
		created  []createdTable
		rootIdxs []uintptr
		err      *kernel.Error
	)

	for virtAddr := start; virtAddr < end && virtAddr >= start; virtAddr = (virtAddr + span) &^ (span - 1) {
		as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
			if level == last {
				return false
			}

			if pte.HasFlags(FlagPresent) {
				return true
			}

			var frame mm.Frame
			if frame, err = as.mgr.allocZeroedFrame(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
			created = append(created, createdTable{virtAddr: virtAddr, level: level, frame: frame})
			if level == 0 {
				rootIdxs = append(rootIdxs, entryIndex(format, virtAddr, 0))
			}
			return true
		})

		if err != nil {
			as.rollbackTables(created)
			return nil, err
		}
	}

	return rootIdxs, nil
}

// rollbackTables releases tables allocated by ensureTables in reverse order
// so children are unlinked before their parents.
func (as *AddressSpace) rollbackTables(created []createdTable) {
	for i := len(created) - 1; i >= 0; i-- {
		as.clearEntry(created[i].virtAddr, created[i].level)
		_ = as.mgr.frames.FreeFrame(created[i].frame)
	}
}

// reclaimTables releases the page tables on the path to virtAddr that no
// longer hold any entry. Tables referenced by kernel root entries are shared
// with every address space and are never released.
func (as *AddressSpace) reclaimTables(virtAddr uintptr) {
	var (
		format = as.mgr.format
		last   = format.Levels() - 1
		tables = []mm.Frame{as.root}
	)

	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level < last && pte.HasFlags(FlagPresent) {
			tables = append(tables, pte.Frame())
		}
		return true
	})

	kernelHalf := entryIndex(format, virtAddr, 0) >= kernelRootIndex(format)
	for level := len(tables) - 1; level >= 1; level-- {
		if (level == 1 && kernelHalf) || !as.tableEmpty(tables[level]) {
			return
		}

		as.clearEntry(virtAddr, uint8(level-1))
		_ = as.mgr.frames.FreeFrame(tables[level])
	}
}

// freeTable releases every frame referenced from the user half of the
// table stored in frame at the given level. The table frame itself is not
// released.
func (as *AddressSpace) freeTable(frame mm.Frame, level uint8) {
	var (
		format = as.mgr.format
		mem    = as.mgr.mem
		leaf   = level == format.Levels()-1
		limit  = uintptr(entriesPerTable)
	)

	if level == 0 {
		limit = kernelRootIndex(format)
	}

	for index := uintptr(0); index < limit; index++ {
		pte := format.Decode(mem.ReadUint64(frame.Address()+index<<mm.PointerShift), leaf)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if leaf {
			as.mgr.releaseFrame(pte.Frame())
			continue
		}

		as.freeTable(pte.Frame(), level+1)
		_ = as.mgr.frames.FreeFrame(pte.Frame())
	}
}
