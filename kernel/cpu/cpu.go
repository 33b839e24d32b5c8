// Package cpu exposes the per-processor state the memory manager interacts
// with: the active root page table, the translation cache and the
// cross-processor invalidation path.
package cpu

import (
	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

// MaxCPUs defines the maximum number of processors that can be brought online.
const MaxCPUs = 64

// ID identifies a processor.
type ID uint32

// Valid returns true if id can refer to a processor.
func (id ID) Valid() bool {
	return id < MaxCPUs
}

var (
	// ErrHalted is the value Halt panics with once the calling processor
	// stops executing.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "processor halted"}

	onlineLock sync.Spinlock
	online     = 1
	procs      [MaxCPUs]processor
)

type processor struct {
	lock       sync.Spinlock
	activeRoot uintptr
	tlb        TLB
	ipiCount   uint64
}

// Halt stops instruction execution on the calling processor. It never
// returns.
func Halt() {
	panic(ErrHalted)
}

// SetOnline brings count processors online. Processors beyond the previous
// count start with an empty translation cache and no active page table.
func SetOnline(count int) {
	if count < 1 {
		count = 1
	} else if count > MaxCPUs {
		count = MaxCPUs
	}

	onlineLock.Acquire()
	for id := online; id < count; id++ {
		procs[id].lock.Acquire()
		procs[id].activeRoot = 0
		procs[id].tlb.FlushAll()
		procs[id].lock.Release()
	}
	online = count
	onlineLock.Release()
}

// Online returns the number of processors that are currently online.
func Online() int {
	onlineLock.Acquire()
	defer onlineLock.Release()
	return online
}

// SwitchPDT sets the root page table for processor id to the table at the
// specified physical address and flushes its translation cache.
func SwitchPDT(id ID, pdtPhysAddr uintptr) {
	if !id.Valid() {
		return
	}

	p := &procs[id]
	p.lock.Acquire()
	p.activeRoot = pdtPhysAddr
	p.lock.Release()
	p.tlb.FlushAll()
}

// ActivePDT returns the physical address of the page table that is active on
// processor id.
func ActivePDT(id ID) uintptr {
	if !id.Valid() {
		return 0
	}

	p := &procs[id]
	p.lock.Acquire()
	defer p.lock.Release()
	return p.activeRoot
}

// TLBFor returns the translation cache of processor id or nil if id is out
// of range.
func TLBFor(id ID) *TLB {
	if !id.Valid() {
		return nil
	}
	return &procs[id].tlb
}

// FlushTLBEntry flushes the cached translation for virtAddr on processor id.
func FlushTLBEntry(id ID, virtAddr uintptr) {
	if !id.Valid() {
		return
	}
	procs[id].tlb.FlushEntry(virtAddr)
}

// ShootdownTLBEntry invalidates the cached translation for virtAddr on every
// online processor. Remote processors are signalled with an inter-processor
// interrupt whose handler performs the local flush; the call returns once
// every processor has acknowledged.
func ShootdownTLBEntry(virtAddr uintptr) {
	count := Online()
	for id := 0; id < count; id++ {
		handleFlushIPI(ID(id), virtAddr)
	}
}

// ShootdownAll drops every cached translation on all online processors.
func ShootdownAll() {
	count := Online()
	for id := 0; id < count; id++ {
		procs[id].tlb.FlushAll()
	}
}

// IPICount returns the number of flush interrupts processor id has serviced.
func IPICount(id ID) uint64 {
	if !id.Valid() {
		return 0
	}

	p := &procs[id]
	p.lock.Acquire()
	defer p.lock.Release()
	return p.ipiCount
}

func handleFlushIPI(id ID, virtAddr uintptr) {
	p := &procs[id]
	p.lock.Acquire()
	p.ipiCount++
	p.lock.Release()
	p.tlb.FlushEntry(virtAddr)
}
