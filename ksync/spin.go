// Package ksync implements the synchronisation primitives of §4.7: a raw
// spin lock, a ticket lock, a hierarchical square-tree lock matching the
// cluster mesh, and simple/hierarchical barriers.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a single-word test-and-set lock with exponential backoff. It
// is the only lock usable before the MMU and scheduler are up, and is the
// console's lock during boot.
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	backoff := 1
	for !s.held.CompareAndSwap(false, true) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 1024 {
			backoff <<= 1
		}
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() {
	s.held.Store(false)
}

// TicketLock is a FIFO-fair lock: callers draw a ticket and spin until it is
// served. Used where acquire order must match arrival order, as the
// single-channel block device's command lock does (§5).
type TicketLock struct {
	nextTicket atomic.Uint64
	nowServing atomic.Uint64
}

// Lock draws a ticket and waits for it to be served.
func (t *TicketLock) Lock() {
	my := t.nextTicket.Add(1) - 1
	for t.nowServing.Load() != my {
		runtime.Gosched()
	}
}

// Unlock serves the next ticket.
func (t *TicketLock) Unlock() {
	t.nowServing.Add(1)
}
