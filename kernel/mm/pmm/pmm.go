// Package pmm implements the physical frame allocator.
package pmm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
)

var (
	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator

	logger = kfmt.NewPrefixWriter("[pmm] ")
)

// Init sets up the kernel physical memory allocation sub-system using the
// supplied memory map and registers the allocator with the mm package. The
// frames in [kernelStart, kernelEnd) are reserved.
func Init(regions []mm.Region, kernelStart, kernelEnd uintptr) *kernel.Error {
	printMemoryMap(regions)

	if err := bitmapAllocator.Init(regions); err != nil {
		return err
	}

	bitmapAllocator.ReserveRange(kernelStart, kernelEnd)
	bitmapAllocator.printStats()
	mm.SetFrameAllocator(&bitmapAllocator)

	return nil
}

// Allocator returns the kernel's frame allocator.
func Allocator() *BitmapAllocator {
	return &bitmapAllocator
}

func printMemoryMap(regions []mm.Region) {
	kfmt.Fprintf(logger, "system memory map:\n")

	var totalFree mm.Size
	for _, region := range regions {
		kfmt.Fprintf(logger, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress,
			region.End(),
			region.Length,
			region.Type.String(),
		)

		if region.Type == mm.RegionAvailable {
			totalFree += mm.Size(region.Length)
		}
	}

	kfmt.Fprintf(logger, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
