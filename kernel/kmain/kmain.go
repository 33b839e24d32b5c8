// Package kmain brings up the memory-management core in dependency order:
// frame allocator, slab allocator, heap and virtual memory manager.
package kmain

import (
	"strconv"
	"sync/atomic"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/hal/multiboot"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/mm/heap"
	"github.com/npequeux/rinux-sub001/kernel/mm/pmm"
	"github.com/npequeux/rinux-sub001/kernel/mm/slab"
	"github.com/npequeux/rinux-sub001/kernel/mm/vmm"
)

// Command line keys understood by ApplyCmdLine.
const (
	cmdSlabRelease = "mm.slab_release"
	cmdStackMax    = "mm.stack_max"
	cmdStackGuard  = "mm.stack_guard"
	cmdPaging      = "mm.paging"
)

// defaultStackMax is the growth limit of user stacks.
const defaultStackMax = 8 * uintptr(mm.Mb)

var (
	// ErrAlreadyInitialized is returned when Init is invoked after the core
	// has been brought up.
	ErrAlreadyInitialized = &kernel.Error{Module: "kmain", Message: "memory core already initialized"}

	// ErrInvalidConfig is returned when a command line option has an
	// unsupported value.
	ErrInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid memory configuration"}

	// initialized is set to 1 by the first successful Init call.
	initialized uint32

	// the following functions are mocked by tests.
	panicFn = kfmt.Panic

	logger = kfmt.NewPrefixWriter("[kmain] ")
)

// Config holds the tunables of the memory-management core.
type Config struct {
	// SlabClasses lists the slab size classes. Empty selects
	// slab.DefaultClasses.
	SlabClasses []uint32

	// RetainEmptySlabs keeps empty slabs instead of returning their frames.
	RetainEmptySlabs bool

	// StackMax is the size user stacks may grow to.
	StackMax uintptr

	// StackGuardPages is the number of unmapped pages below each stack.
	StackGuardPages uintptr

	// Paging selects the page table format.
	Paging vmm.PageFormat

	// KernelStart and KernelEnd delimit the physical memory occupied by the
	// kernel image, which is never handed out by the frame allocator.
	KernelStart, KernelEnd uintptr

	// OnAccessViolation is invoked for every unresolved page fault.
	OnAccessViolation func(vmm.Fault, *kernel.Error)
}

// DefaultConfig returns the configuration used when the boot command line
// carries no overrides.
func DefaultConfig() Config {
	return Config{
		StackMax:        defaultStackMax,
		StackGuardPages: 1,
		Paging:          vmm.FormatAMD64,
	}
}

// ApplyCmdLine overrides cfg with the mm.* options found in the boot command
// line.
func (cfg *Config) ApplyCmdLine(kv map[string]string) *kernel.Error {
	if v, ok := kv[cmdSlabRelease]; ok {
		switch v {
		case "empty":
			cfg.RetainEmptySlabs = false
		case "retain":
			cfg.RetainEmptySlabs = true
		default:
			return ErrInvalidConfig
		}
	}

	if v, ok := kv[cmdStackMax]; ok {
		size, err := strconv.ParseUint(v, 0, 64)
		if err != nil || size == 0 || !mm.PageAligned(uintptr(size)) {
			return ErrInvalidConfig
		}
		cfg.StackMax = uintptr(size)
	}

	if v, ok := kv[cmdStackGuard]; ok {
		pages, err := strconv.ParseUint(v, 0, 16)
		if err != nil || pages == 0 {
			return ErrInvalidConfig
		}
		cfg.StackGuardPages = uintptr(pages)
	}

	if v, ok := kv[cmdPaging]; ok {
		switch v {
		case vmm.FormatAMD64.Name():
			cfg.Paging = vmm.FormatAMD64
		case vmm.FormatSv39.Name():
			cfg.Paging = vmm.FormatSv39
		default:
			return ErrInvalidConfig
		}
	}

	return nil
}

// Core bundles the initialized memory-management subsystems.
type Core struct {
	Config Config
	Memory *mm.PhysicalMemory
	Frames *pmm.BitmapAllocator
	Slabs  *slab.Allocator
	Heap   *heap.Heap
	VMM    *vmm.Manager
}

// Init brings up the memory-management core on top of the supplied memory
// map. It succeeds only once; subsequent calls return ErrAlreadyInitialized.
// If bring-up fails, the core can be initialized again.
func Init(regions []mm.Region, cfg Config) (*Core, *kernel.Error) {
	if !atomic.CompareAndSwapUint32(&initialized, 0, 1) {
		return nil, ErrAlreadyInitialized
	}

	core, err := bringUp(regions, cfg)
	if err != nil {
		atomic.StoreUint32(&initialized, 0)
		return nil, err
	}

	return core, nil
}

func bringUp(regions []mm.Region, cfg Config) (*Core, *kernel.Error) {
	var (
		core = &Core{Config: cfg, Memory: mm.NewPhysicalMemory(regions)}
		err  *kernel.Error
	)

	if err = pmm.Init(regions, cfg.KernelStart, cfg.KernelEnd); err != nil {
		return nil, err
	}
	core.Frames = pmm.Allocator()

	if core.Slabs, err = slab.New(nil, slab.Config{Classes: cfg.SlabClasses, RetainEmpty: cfg.RetainEmptySlabs}); err != nil {
		return nil, err
	}
	if err = core.Slabs.Prime(); err != nil {
		return nil, err
	}

	core.Heap = heap.New(core.Frames, core.Slabs, core.Memory)

	core.VMM, err = vmm.NewManager(vmm.Config{
		Memory:            core.Memory,
		Format:            cfg.Paging,
		StackGuardPages:   cfg.StackGuardPages,
		OnAccessViolation: cfg.OnAccessViolation,
	})
	if err != nil {
		return nil, err
	}

	stats := core.Frames.Stats()
	kfmt.Fprintf(logger, "memory core ready: %d/%d frames in use, %s paging\n", stats.AllocatedFrames, stats.TotalFrames, cfg.Paging.Name())
	return core, nil
}

// MapUserStack creates a growable stack ending at top in the supplied
// address space. One page is mapped up front and the stack may grow to the
// configured maximum.
func (c *Core) MapUserStack(as *vmm.AddressSpace, top uintptr) *kernel.Error {
	return as.MapStack(top, mm.PageSize, c.Config.StackMax, vmm.PermRead|vmm.PermWrite|vmm.PermUser)
}

// Boot parses the multiboot information block, applies the command line
// overrides to the default configuration and initializes the core. The
// physical range [kernelStart, kernelEnd) holds the kernel image.
func Boot(info []byte, kernelStart, kernelEnd uintptr) (*Core, *kernel.Error) {
	if err := multiboot.SetInfo(info); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.KernelStart, cfg.KernelEnd = kernelStart, kernelEnd
	if err := cfg.ApplyCmdLine(multiboot.GetBootCmdLine()); err != nil {
		return nil, err
	}

	return Init(multiboot.Regions(), cfg)
}

// Kmain is the entry point invoked by the boot code with the multiboot
// information block and the physical extent of the kernel image. Errors
// during bring-up are fatal.
func Kmain(info []byte, kernelStart, kernelEnd uintptr) *Core {
	core, err := Boot(info, kernelStart, kernelEnd)
	if err != nil {
		panicFn(err)
	}
	return core
}
