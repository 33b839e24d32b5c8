// Package sync provides the spinlock used to guard the memory manager's
// critical sections.
package sync

import "sync/atomic"

const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire after a number of failed attempts to
	// grab the lock. Tests replace it with runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(0); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt >= attemptsBeforeYielding && yieldFn != nil {
			attempt = 0
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently acquired by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
