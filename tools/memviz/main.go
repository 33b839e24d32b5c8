// Command memviz boots the memory-management core on a synthetic memory map,
// runs a small allocation workload and renders the frame allocator's
// occupancy to a PNG image.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	gg "github.com/fogleman/gg"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kmain"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/mm/vmm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memviz] error: %s\n", err.Error())
	os.Exit(1)
}

// parseCmdLine splits a kernel style command line into key-value pairs.
func parseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		if k, v, found := strings.Cut(pair, "="); found {
			kv[k] = v
		} else {
			kv[k] = k
		}
	}
	return kv
}

// runWorkload exercises the heap and the virtual memory manager so the
// rendered map shows slab, large, page table and shared frames.
func runWorkload(core *kmain.Core) *kernel.Error {
	for _, size := range []uintptr{24, 100, 100, 700, 2000, 3 * mm.PageSize, 9 * mm.PageSize} {
		if _, err := core.Heap.Alloc(size, 0); err != nil {
			return err
		}
	}

	// A virtually contiguous kernel buffer, only partly touched.
	buf, err := core.VMM.AllocVirtual(6 * mm.PageSize)
	if err != nil {
		return err
	}
	if err = core.VMM.Write(0, buf, make([]byte, 3*mm.PageSize), false); err != nil {
		return err
	}

	parent, err := core.VMM.CreateAddressSpace()
	if err != nil {
		return err
	}
	if err = parent.Activate(0); err != nil {
		return err
	}

	base, err := parent.MapAnywhere(16*mm.PageSize, vmm.PermRead|vmm.PermWrite|vmm.PermUser, vmm.Anonymous())
	if err != nil {
		return err
	}

	page := make([]byte, mm.PageSize)
	for offset := uintptr(0); offset < 16*mm.PageSize; offset += mm.PageSize {
		if err = core.VMM.Write(0, base+offset, page, true); err != nil {
			return err
		}
	}

	child, err := parent.Fork()
	if err != nil {
		return err
	}
	if err = child.Activate(1); err != nil {
		return err
	}

	// Dirty half of the child's pages so both private and shared frames
	// show up.
	for offset := uintptr(0); offset < 8*mm.PageSize; offset += mm.PageSize {
		if err = core.VMM.Write(1, base+offset, page[:1], true); err != nil {
			return err
		}
	}

	return core.MapUserStack(child, 0x7ff000)
}

func runTool() error {
	frames := flag.Uint("frames", 1024, "the number of usable frames in the synthetic memory map")
	cols := flag.Int("cols", 64, "the number of frames drawn per row")
	cmdLine := flag.String("cmdline", "", "kernel command line options (e.g. mm.paging=sv39)")
	workload := flag.Bool("workload", true, "run the sample allocation workload before rendering")
	output := flag.String("out", "memviz.png", "the PNG file to write")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "memviz: render the physical frame map of the memory core\n\n")
		fmt.Fprint(os.Stderr, "Usage: memviz [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := kmain.DefaultConfig()
	if err := cfg.ApplyCmdLine(parseCmdLine(*cmdLine)); err != nil {
		return err
	}

	regions := []mm.Region{
		{PhysAddress: 0, Length: 0x100000, Type: mm.RegionReserved},
		{PhysAddress: 0x100000, Length: uint64(*frames) << mm.PageShift, Type: mm.RegionAvailable},
	}
	cfg.KernelStart, cfg.KernelEnd = 0x100000, 0x100000+32*mm.PageSize

	core, err := kmain.Init(regions, cfg)
	if err != nil {
		return err
	}

	if *workload {
		if err = runWorkload(core); err != nil {
			return err
		}
	}

	stats := core.Frames.Stats()
	fmt.Printf("frames: %d total, %d allocated, %d free\n", stats.TotalFrames, stats.AllocatedFrames, stats.FreeFrames)

	return gg.SavePNG(*output, render(core.Frames, *cols))
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
