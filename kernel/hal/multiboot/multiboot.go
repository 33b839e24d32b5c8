// Package multiboot extracts the boot memory map and kernel command line from
// the multiboot2 information block handed over by the boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

var (
	infoData  []byte
	cmdLineKV map[string]string

	// ErrMalformedInfo is returned by SetInfo when the information block is
	// truncated or its tags run past the declared size.
	ErrMalformedInfo = &kernel.Error{Module: "multiboot", Message: "malformed multiboot information block"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the {totalSize, reserved} header that
	// starts the information block.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the {type, size} header that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the {entrySize, entryVersion} header of
	// the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the minimum size of a memory map entry: base address,
	// length and type.
	mmapEntrySize = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates defective RAM.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemBad:
		return "bad"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Region converts the entry to the memory region type used by the allocators.
func (e *MemoryMapEntry) Region() mm.Region {
	return mm.Region{
		PhysAddress: e.PhysAddress,
		Length:      e.Length,
		Type:        mm.RegionType(e.Type),
	}
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfo validates the tag layout of the supplied multiboot information block
// and makes it the block used by the other functions of this package.
func SetInfo(data []byte) *kernel.Error {
	if len(data) < infoHeaderSize {
		return ErrMalformedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || int(totalSize) > len(data) {
		return ErrMalformedInfo
	}
	data = data[:totalSize]

	for offset := uint32(infoHeaderSize); ; {
		if offset+tagHeaderSize > totalSize {
			return ErrMalformedInfo
		}

		size := binary.LittleEndian.Uint32(data[offset+4:])
		if size < tagHeaderSize || offset+size > totalSize {
			return ErrMalformedInfo
		}

		if tagType(binary.LittleEndian.Uint32(data[offset:])) == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	infoData = data
	cmdLineKV = nil
	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := binary.LittleEndian.Uint32(infoData[offset:])
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur, end := offset+mmapHeaderSize, offset+size; cur+entrySize <= end; cur += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(infoData[cur:])
		entry.Length = binary.LittleEndian.Uint64(infoData[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(infoData[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// Regions returns the memory map as a list of memory regions.
func Regions() []mm.Region {
	var regions []mm.Region
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		regions = append(regions, entry.Region())
		return true
	})
	return regions
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	offset, size := findTagByType(tagBootCmdLine)
	if size != 0 {
		// The command line is a C-style NULL-terminated string
		cmdLine := infoData[offset : offset+size]
		if end := strings.IndexByte(string(cmdLine), 0); end >= 0 {
			cmdLine = cmdLine[:end]
		}

		for _, pair := range strings.Fields(string(cmdLine)) {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the offset of the tag contents and the content
// length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(want tagType) (uint32, uint32) {
	if len(infoData) == 0 {
		return 0, 0
	}

	for offset := uint32(infoHeaderSize); ; {
		curType := tagType(binary.LittleEndian.Uint32(infoData[offset:]))
		size := binary.LittleEndian.Uint32(infoData[offset+4:])

		switch curType {
		case tagMbSectionEnd:
			return 0, 0
		case want:
			return offset + tagHeaderSize, size - tagHeaderSize
		}

		offset += (size + 7) &^ 7
	}
}
