package mm

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

var (
	// misuseLock guards misuseLog whose prefix is set to the module of
	// the reported error.
	misuseLock   sync.Spinlock
	misusePrefix [32]byte
	misuseLog    = kfmt.NewPrefixWriter("")
)

// ReportMisuse logs an allocator misuse error such as a double or invalid
// free and returns it. Kernels built with the mmdebug tag treat misuse as
// fatal and panic instead.
func ReportMisuse(err *kernel.Error) *kernel.Error {
	misuseLock.Acquire()
	n := copy(misusePrefix[:], "[")
	n += copy(misusePrefix[n:len(misusePrefix)-2], err.Module)
	n += copy(misusePrefix[n:], "] ")
	misuseLog.Prefix = misusePrefix[:n]
	kfmt.Fprintf(misuseLog, "%s\n", err.Message)
	misuseLock.Release()

	if fatalMisuse {
		panicFn(err)
	}
	return err
}
