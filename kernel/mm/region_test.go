package mm

import (
	"fmt"
	"testing"
)

func TestRegionFrames(t *testing.T) {
	specs := []struct {
		region            Region
		expFirst, expLast Frame
		expOK             bool
	}{
		{Region{PhysAddress: 0, Length: 16 * 4096}, 0, 15, true},
		{Region{PhysAddress: 100, Length: 3 * 4096}, 1, 2, true},
		{Region{PhysAddress: 0x100000, Length: 4095}, InvalidFrame, InvalidFrame, false},
		{Region{PhysAddress: 10, Length: 4096}, InvalidFrame, InvalidFrame, false},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			first, last, ok := spec.region.Frames()
			if ok != spec.expOK || first != spec.expFirst || last != spec.expLast {
				t.Fatalf("expected (%d, %d, %t); got (%d, %d, %t)", spec.expFirst, spec.expLast, spec.expOK, first, last, ok)
			}
		})
	}
}

func TestRegionOverlaps(t *testing.T) {
	a := Region{PhysAddress: 0x1000, Length: 0x2000}
	specs := []struct {
		other Region
		exp   bool
	}{
		{Region{PhysAddress: 0x0, Length: 0x1000}, false},
		{Region{PhysAddress: 0x0, Length: 0x1001}, true},
		{Region{PhysAddress: 0x2fff, Length: 0x10}, true},
		{Region{PhysAddress: 0x3000, Length: 0x10}, false},
		{Region{PhysAddress: 0x1800, Length: 0}, false},
	}

	for specIndex, spec := range specs {
		if got := a.Overlaps(spec.other); got != spec.exp {
			t.Errorf("[spec %d] expected Overlaps to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestRegionTypeString(t *testing.T) {
	specs := []struct {
		typ RegionType
		exp string
	}{
		{RegionAvailable, "available"},
		{RegionReserved, "reserved"},
		{RegionAcpiReclaimable, "ACPI (reclaimable)"},
		{RegionAcpiNvs, "ACPI (non-volatile)"},
		{RegionBad, "bad"},
		{RegionType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.typ.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
