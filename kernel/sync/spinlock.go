// Package sync provides the one synchronization primitive the kernel needs
// despite running on a single CPU: a spinlock protecting the scheduler's
// thread table against the tick handler's IRQ-context reads. Every other
// structure in the kernel relies on the single-CPU, no-preemption-mid-
// structure invariant instead.
package sync

import (
	"sync/atomic"

	"kiwios/kernel/cpu"
)

var (
	// pauseFn is mocked by tests and inlined by the compiler otherwise.
	pauseFn = cpu.Pause
)

// Spinlock is a lock where the caller busy-waits until it becomes
// available. There is exactly one owner at a time; re-acquiring a lock
// already held by the caller deadlocks it, same as any other spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks, executing the PAUSE instruction between attempts, until
// the lock can be acquired.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		pauseFn()
	}
}

// TryToAcquire attempts to acquire the lock without blocking, returning
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
