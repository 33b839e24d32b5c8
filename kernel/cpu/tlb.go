package cpu

import "github.com/npequeux/rinux-sub001/kernel/sync"

const (
	// tlbCapacity is the number of translations a processor caches before
	// it starts evicting entries.
	tlbCapacity = 64

	pageMask = ^uintptr(4095)
)

type tlbKey struct {
	root uintptr
	page uintptr
}

// TLB models a processor's translation lookaside buffer. Entries are tagged
// with the root page table they were loaded from so that translations of
// inactive address spaces are never returned.
type TLB struct {
	lock    sync.Spinlock
	entries map[tlbKey]uint64
	flushes uint64
	hits    uint64
	misses  uint64
}

// Lookup returns the cached leaf entry for the page containing virtAddr in
// the address space rooted at root.
func (t *TLB) Lookup(root, virtAddr uintptr) (uint64, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	entry, ok := t.entries[tlbKey{root, virtAddr & pageMask}]
	if ok {
		t.hits++
	} else {
		t.misses++
	}
	return entry, ok
}

// Insert caches a leaf entry for the page containing virtAddr.
func (t *TLB) Insert(root, virtAddr uintptr, entry uint64) {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.entries == nil {
		t.entries = make(map[tlbKey]uint64, tlbCapacity)
	}

	if len(t.entries) >= tlbCapacity {
		for k := range t.entries {
			delete(t.entries, k)
			break
		}
	}
	t.entries[tlbKey{root, virtAddr & pageMask}] = entry
}

// FlushEntry drops any cached translation for the page containing virtAddr
// regardless of the address space it belongs to.
func (t *TLB) FlushEntry(virtAddr uintptr) {
	t.lock.Acquire()
	defer t.lock.Release()

	page := virtAddr & pageMask
	for k := range t.entries {
		if k.page == page {
			delete(t.entries, k)
		}
	}
	t.flushes++
}

// FlushAll drops every cached translation.
func (t *TLB) FlushAll() {
	t.lock.Acquire()
	defer t.lock.Release()

	for k := range t.entries {
		delete(t.entries, k)
	}
	t.flushes++
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.entries)
}

// Stats returns the hit, miss and flush counters.
func (t *TLB) Stats() (hits, misses, flushes uint64) {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.hits, t.misses, t.flushes
}
