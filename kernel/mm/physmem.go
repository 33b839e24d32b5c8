package mm

import (
	"encoding/binary"
	"sort"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
)

var (
	// ErrInvalidPhysAddr is raised when code accesses a physical address
	// that is not backed by usable RAM.
	ErrInvalidPhysAddr = &kernel.Error{Module: "mm", Message: "physical address is not backed by RAM"}

	panicFn = kfmt.Panic

	logger = kfmt.NewPrefixWriter("[mm] ")
)

type ramSegment struct {
	start uintptr
	data  []byte
}

// PhysicalMemory is the kernel's direct map of usable RAM. It provides byte
// access to any physical address inside an available region, which is how
// the allocators and the page-table code read and write frame contents.
type PhysicalMemory struct {
	segments []ramSegment
}

// NewPhysicalMemory builds a direct map covering the whole frames of every
// available region in the supplied memory map.
func NewPhysicalMemory(regions []Region) *PhysicalMemory {
	m := &PhysicalMemory{}
	for _, region := range regions {
		if region.Type != RegionAvailable {
			continue
		}

		first, last, ok := region.Frames()
		if !ok {
			continue
		}

		m.segments = append(m.segments, ramSegment{
			start: first.Address(),
			data:  make([]byte, uintptr(last-first+1)<<PageShift),
		})
	}

	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].start < m.segments[j].start })
	return m
}

// Bytes returns a slice aliasing size bytes of RAM starting at physAddr. It
// returns nil if the range is not fully contained in a single RAM segment.
func (m *PhysicalMemory) Bytes(physAddr, size uintptr) []byte {
	index := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].start+uintptr(len(m.segments[i].data)) > physAddr
	})
	if index == len(m.segments) {
		return nil
	}

	seg := &m.segments[index]
	if physAddr < seg.start {
		return nil
	}

	offset := physAddr - seg.start
	if offset+size > uintptr(len(seg.data)) {
		return nil
	}

	return seg.data[offset : offset+size : offset+size]
}

// Contains returns true if physAddr is backed by RAM.
func (m *PhysicalMemory) Contains(physAddr uintptr) bool {
	return m.Bytes(physAddr, 1) != nil
}

// FrameBytes returns the contents of frame f.
func (m *PhysicalMemory) FrameBytes(f Frame) []byte {
	return m.mustBytes(f.Address(), PageSize)
}

// Memset sets size bytes starting at physAddr to value. After setting the
// first byte, the filled prefix is doubled with each copy so the loop runs
// log2(size) times.
func (m *PhysicalMemory) Memset(physAddr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.mustBytes(physAddr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *PhysicalMemory) Memcopy(src, dst, size uintptr) {
	if size == 0 {
		return
	}

	copy(m.mustBytes(dst, size), m.mustBytes(src, size))
}

// ZeroFrame clears the contents of frame f.
func (m *PhysicalMemory) ZeroFrame(f Frame) {
	m.Memset(f.Address(), 0, PageSize)
}

// ReadUint64 loads the little-endian 64-bit word at physAddr.
func (m *PhysicalMemory) ReadUint64(physAddr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.mustBytes(physAddr, 8))
}

// WriteUint64 stores v as a little-endian 64-bit word at physAddr.
func (m *PhysicalMemory) WriteUint64(physAddr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(m.mustBytes(physAddr, 8), v)
}

func (m *PhysicalMemory) mustBytes(physAddr, size uintptr) []byte {
	b := m.Bytes(physAddr, size)
	if b == nil {
		kfmt.Fprintf(logger, "invalid physical access: 0x%x (%d bytes)\n", physAddr, size)
		panicFn(ErrInvalidPhysAddr)
	}
	return b
}
