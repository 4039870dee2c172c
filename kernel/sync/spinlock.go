// Package sync provides synchronization primitives for use inside the
// kernel, where the standard library's sync package cannot be used before
// the Go runtime is fully initialized.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked by archAcquireSpinlock after a configurable number
	// of failed acquire attempts.
	// TODO: replace with a real yield function once context-switching lands.
	yieldFn func()
)

// Spinlock implements a lock where each caller trying to acquire it
// busy-waits until the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the current execution
// context. Re-acquiring a lock already held by the same context deadlocks.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if it was
// free, or false if it was already held.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock, allowing other contexts to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is the lock acquisition loop: a CAS spin that calls
// yieldFn (if set) every attemptsBeforeYielding consecutive failed
// attempts, giving a scheduler (once one exists) a chance to run something
// else instead of burning the core.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	var attempts uint32
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		attempts++
		if attempts >= attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
