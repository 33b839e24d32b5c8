package mm

// RegionType classifies a range of physical memory reported by the firmware.
type RegionType uint32

const (
	// RegionAvailable indicates memory that can be handed to the allocators.
	RegionAvailable RegionType = iota + 1

	// RegionReserved indicates memory that must not be touched.
	RegionReserved

	// RegionAcpiReclaimable indicates memory holding ACPI tables that may be
	// reclaimed once they have been parsed.
	RegionAcpiReclaimable

	// RegionAcpiNvs indicates memory that must be preserved across sleep
	// states.
	RegionAcpiNvs

	// RegionBad indicates memory reported as defective.
	RegionBad
)

var regionTypeNames = []string{
	"unknown",
	"available",
	"reserved",
	"ACPI (reclaimable)",
	"ACPI (non-volatile)",
	"bad",
}

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	if int(t) >= len(regionTypeNames) {
		return regionTypeNames[0]
	}
	return regionTypeNames[t]
}

// Region describes a contiguous range of physical memory.
type Region struct {
	// The physical address of the first byte in the region.
	PhysAddress uint64

	// The region length in bytes.
	Length uint64

	// The region type.
	Type RegionType
}

// End returns the physical address just past the region.
func (r Region) End() uint64 {
	return r.PhysAddress + r.Length
}

// Overlaps returns true if r and other share at least one byte.
func (r Region) Overlaps(other Region) bool {
	return r.Length != 0 && other.Length != 0 &&
		r.PhysAddress < other.End() && other.PhysAddress < r.End()
}

// Frames returns the first and last whole frames contained in the region.
// Reported addresses may not be page-aligned so the start is rounded up and
// the end is rounded down. ok is false if the region holds no whole frame.
func (r Region) Frames() (first, last Frame, ok bool) {
	pageSizeMinus1 := uint64(PageSize - 1)
	start := (r.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
	end := (r.PhysAddress + r.Length) &^ pageSizeMinus1
	if end <= start {
		return InvalidFrame, InvalidFrame, false
	}

	return Frame(start >> PageShift), Frame(end>>PageShift) - 1, true
}
