// Package slab implements a size-class object allocator. Each class owns a
// set of slabs; a slab is one physical frame carved into equal-sized slots.
// Slab bookkeeping lives outside the frame so every byte of the frame is
// available to objects.
//
// Addresses returned by the allocator are direct-map addresses of the
// backing frames.
package slab

import (
	"sort"

	"github.com/npequeux/rinux-sub001/kernel"
	"github.com/npequeux/rinux-sub001/kernel/kfmt"
	"github.com/npequeux/rinux-sub001/kernel/mm"
	"github.com/npequeux/rinux-sub001/kernel/sync"
)

var (
	// ErrInvalidFree is returned when freeing an address that was not
	// returned by Alloc or that has already been freed.
	ErrInvalidFree = &kernel.Error{Module: "slab", Message: "invalid free"}

	// ErrSizeTooLarge is returned when no size class can hold the request.
	ErrSizeTooLarge = &kernel.Error{Module: "slab", Message: "allocation exceeds largest size class"}

	// ErrInvalidConfig is returned by New when the size classes are not
	// strictly ascending multiples of 8 no larger than a page.
	ErrInvalidConfig = &kernel.Error{Module: "slab", Message: "invalid size class configuration"}
)

var logger = kfmt.NewPrefixWriter("[slab] ")

// DefaultClasses lists the size classes used when Config.Classes is empty.
var DefaultClasses = []uint32{16, 32, 64, 128, 256, 512, 1024, 2048}

// Config holds the allocator tunables.
type Config struct {
	// Classes lists the object sizes served by the allocator in ascending
	// order.
	Classes []uint32

	// RetainEmpty keeps slabs with no live objects instead of returning
	// their frame to the frame allocator. A class always keeps its last
	// slab.
	RetainEmpty bool
}

// ClassStats reports the state of a single size class.
type ClassStats struct {
	Size      uint32
	Slabs     uint32
	LiveObjs  uint32
	FreeSlots uint32
}

type slab struct {
	frame    mm.Frame
	owner    *cache
	slots    uint16
	inUse    uint16
	detached bool

	// freeSlots is a stack of free slot indices.
	freeSlots []uint16

	// live has a bit set for every slot handed out by Alloc.
	live []uint64
}

func newSlab(frame mm.Frame, owner *cache) *slab {
	slots := uint16(mm.PageSize / uintptr(owner.objSize))
	s := &slab{
		frame:     frame,
		owner:     owner,
		slots:     slots,
		freeSlots: make([]uint16, slots),
		live:      make([]uint64, (slots+63)/64),
	}

	// Lowest slot is popped first.
	for i := uint16(0); i < slots; i++ {
		s.freeSlots[i] = slots - 1 - i
	}

	return s
}

func (s *slab) isLive(slot uint16) bool {
	return s.live[slot>>6]&(1<<(slot&63)) != 0
}

type cache struct {
	lock    sync.Spinlock
	objSize uint32

	// partial lists the slabs that have at least one free slot.
	partial []*slab
	slabs   uint32
	live    uint32
}

// pop hands out a free slot from the first partial slab. Callers must hold
// the cache lock.
func (c *cache) pop() (uintptr, bool) {
	if len(c.partial) == 0 {
		return 0, false
	}
	return c.take(c.partial[0]), true
}

// take hands out the lowest free slot of s, which must be on the partial
// list. Callers must hold the cache lock.
func (c *cache) take(s *slab) uintptr {
	slot := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	s.live[slot>>6] |= 1 << (slot & 63)
	s.inUse++
	c.live++

	if s.inUse == s.slots {
		c.removePartial(s)
	}

	return s.frame.Address() + uintptr(slot)*uintptr(c.objSize)
}

func (c *cache) removePartial(s *slab) {
	for i, p := range c.partial {
		if p == s {
			c.partial = append(c.partial[:i], c.partial[i+1:]...)
			return
		}
	}
}

// Allocator is a slab allocator serving a fixed set of size classes.
type Allocator struct {
	frames      mm.FrameAllocator
	caches      []*cache
	retainEmpty bool

	// registryLock guards registry, which maps each slab frame to its
	// bookkeeping. It is never held together with a cache lock.
	registryLock sync.Spinlock
	registry     map[mm.Frame]*slab
}

// New creates a slab allocator that obtains its frames from frames. A nil
// frames argument selects the allocator registered with mm.SetFrameAllocator.
func New(frames mm.FrameAllocator, cfg Config) (*Allocator, *kernel.Error) {
	if frames == nil {
		frames = mm.ActiveFrameAllocator()
	}

	classes := cfg.Classes
	if len(classes) == 0 {
		classes = DefaultClasses
	}

	a := &Allocator{
		frames:      frames,
		retainEmpty: cfg.RetainEmpty,
		registry:    make(map[mm.Frame]*slab),
	}

	for i, size := range classes {
		if size == 0 || size%8 != 0 || uintptr(size) > mm.PageSize || (i > 0 && size <= classes[i-1]) {
			return nil, ErrInvalidConfig
		}
		a.caches = append(a.caches, &cache{objSize: size})
	}

	return a, nil
}

// MaxSize returns the largest object size the allocator can serve.
func (a *Allocator) MaxSize() uint32 {
	return a.caches[len(a.caches)-1].objSize
}

// ClassFor returns the size of the class that would serve a request for
// size bytes, or 0 if the request is too large.
func (a *Allocator) ClassFor(size uint32) uint32 {
	if c := a.cacheFor(size); c != nil {
		return c.objSize
	}
	return 0
}

func (a *Allocator) cacheFor(size uint32) *cache {
	index := sort.Search(len(a.caches), func(i int) bool {
		return a.caches[i].objSize >= size
	})

	if index == len(a.caches) {
		return nil
	}
	return a.caches[index]
}

// Alloc returns the address of a free object from the smallest class that
// fits size bytes. When the class has no free slots a single new slab is
// carved out of a fresh frame and the object is taken from it.
func (a *Allocator) Alloc(size uint32) (uintptr, *kernel.Error) {
	c := a.cacheFor(size)
	if c == nil {
		return 0, ErrSizeTooLarge
	}

	c.lock.Acquire()
	addr, ok := c.pop()
	c.lock.Release()
	if ok {
		return addr, nil
	}

	s, err := a.carve(c)
	if err != nil {
		return 0, err
	}

	c.lock.Acquire()
	c.partial = append(c.partial, s)
	c.slabs++
	addr = c.take(s)
	c.lock.Release()

	return addr, nil
}

// carve builds a slab for c out of a fresh frame and registers it. The frame
// allocator is called without holding any slab lock. The slab is not yet on
// the class's partial list.
func (a *Allocator) carve(c *cache) (*slab, *kernel.Error) {
	frame, err := a.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	s := newSlab(frame, c)
	a.registryLock.Acquire()
	a.registry[frame] = s
	a.registryLock.Release()

	return s, nil
}

// Free returns the object at addr to its slab. When the slab becomes empty
// and it is not the last slab of its class, its frame is returned to the
// frame allocator unless the allocator was configured to retain empty slabs.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	frame := mm.FrameFromAddress(addr)

	a.registryLock.Acquire()
	s := a.registry[frame]
	a.registryLock.Release()
	if s == nil {
		return mm.ReportMisuse(ErrInvalidFree)
	}

	c := s.owner
	offset := addr - frame.Address()
	slot := uint16(offset / uintptr(c.objSize))

	c.lock.Acquire()
	if s.detached || offset%uintptr(c.objSize) != 0 || slot >= s.slots || !s.isLive(slot) {
		c.lock.Release()
		return mm.ReportMisuse(ErrInvalidFree)
	}

	s.live[slot>>6] &^= 1 << (slot & 63)
	s.freeSlots = append(s.freeSlots, slot)
	s.inUse--
	c.live--

	if s.inUse == s.slots-1 {
		c.partial = append(c.partial, s)
	}

	release := s.inUse == 0 && !a.retainEmpty && c.slabs > 1
	if release {
		c.removePartial(s)
		c.slabs--
		s.detached = true
	}
	c.lock.Release()

	if release {
		a.registryLock.Acquire()
		delete(a.registry, frame)
		a.registryLock.Release()

		if err := a.frames.FreeFrame(frame); err != nil {
			kfmt.Fprintf(logger, "unable to release frame 0x%x: %s\n", frame.Address(), err.Message)
		}
	}

	return nil
}

// Owns returns true if addr lies inside a slab managed by the allocator.
func (a *Allocator) Owns(addr uintptr) bool {
	a.registryLock.Acquire()
	defer a.registryLock.Release()

	_, ok := a.registry[mm.FrameFromAddress(addr)]
	return ok
}

// Stats returns per-class usage counters in class order.
func (a *Allocator) Stats() []ClassStats {
	stats := make([]ClassStats, 0, len(a.caches))
	for _, c := range a.caches {
		c.lock.Acquire()
		stats = append(stats, ClassStats{
			Size:      c.objSize,
			Slabs:     c.slabs,
			LiveObjs:  c.live,
			FreeSlots: c.slabs*uint32(mm.PageSize/uintptr(c.objSize)) - c.live,
		})
		c.lock.Release()
	}
	return stats
}

// Prime carves one slab for every class that has none yet so early kernel
// allocations do not have to go through the frame allocator.
func (a *Allocator) Prime() *kernel.Error {
	for _, c := range a.caches {
		c.lock.Acquire()
		empty := c.slabs == 0
		c.lock.Release()
		if !empty {
			continue
		}

		s, err := a.carve(c)
		if err != nil {
			return err
		}

		c.lock.Acquire()
		c.partial = append(c.partial, s)
		c.slabs++
		c.lock.Release()
	}
	return nil
}
