// Package sync provides the synchronization primitives used by the core.
// Only a spinlock is needed: the core runs single-threaded until the APIC
// timer is started, which bring-up explicitly never does, so the spinlock's
// only job is to guard the global allocator against re-entrant use from a
// fault or interrupt handler, not from genuine multi-core contention.
package sync

import "sync/atomic"

var (
	// yieldFn is substituted by tests to avoid spinning forever when a
	// lock is contended by goroutines instead of cores.
	yieldFn func()
)

// Spinlock is a busy-wait mutual-exclusion lock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be taken. Re-acquiring a lock already
// held by the caller deadlocks, there is no recursion support.
func (l *Spinlock) Acquire() {
	for !l.TryAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryAcquire attempts to take the lock without blocking, returning true on
// success.
func (l *Spinlock) TryAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on a free lock is a
// no-op.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
