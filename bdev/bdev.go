// Package bdev implements the block-device drivers of §4.8: a
// single-channel controller with polling and descheduling transfer modes,
// and a multi-channel (HBA-family) variant with a 32-slot command list.
// Mirrors giet_drivers/bdv_driver.c and hba_driver.c.
package bdev

import (
	"fmt"
	"sync"

	"tsarkern/kerrors"
	"tsarkern/ksync"
	"tsarkern/sched"
)

// Status is the device-reported outcome of a transfer.
type Status int

const (
	StatusBusy Status = iota
	StatusSuccess
	StatusError
)

// Device is the single-channel controller's register set, matching
// _bdv_driver.c's BDV_BUFFER/BDV_COUNT/BDV_LBA/BDV_OP/BDV_STATUS/BDV_IRQ_*
// registers.
type Device interface {
	Program(toMem bool, lba uint32, paddr uint64, count uint32)
	Status() Status
	EnableIRQ(enable bool)
}

// CacheSync invalidates (before a read into memory) or flushes (before a
// write from memory) the region [paddr, paddr+length) in the memcache,
// mirroring §4.8's "synchronise caches" step. A kernel with no coherent
// cache model can supply a no-op.
type CacheSync func(paddr uint64, length uint32)

// Controller is the single-channel driver. The lock is a ticket lock
// because §4.8 specifies "FIFO-ish per acquire order" for the
// single-channel device — the one primitive in ksync that actually
// guarantees acquisition order.
type Controller struct {
	dev  Device
	lock ksync.TicketLock
	sync CacheSync
	mbox MailboxDriver

	waitMu sync.Mutex
	waiter map[int32]chan Status // per-thread completion channel for an outstanding descheduled transfer
}

// MailboxDriver is the subset of irq.Router's behaviour a driver needs to
// go into descheduling mode, kept as a narrow interface so this package
// does not import irq directly (avoiding a dependency cycle candidate;
// the boot sequencer wires a concrete *irq.Router in).
type MailboxDriver interface {
	AllocForThread(threadGlobalID int32) (handle any, err error)
	ReleaseForThread(threadGlobalID int32, handle any)
}

// NewController builds a single-channel driver over dev.
func NewController(dev Device, cacheSync CacheSync, mbox MailboxDriver) *Controller {
	return &Controller{dev: dev, sync: cacheSync, mbox: mbox, waiter: map[int32]chan Status{}}
}

const pollRetryBudget = 1 << 16

// AccessPolling implements §4.8's polling-mode path: take the lock,
// synchronise caches, program the registers, spin on status until
// success/error, release, return.
func (c *Controller) AccessPolling(toMem bool, lba uint32, paddr uint64, count uint32, length uint32) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.sync(paddr, length)
	c.dev.Program(toMem, lba, paddr, count)

	for i := 0; i < pollRetryBudget; i++ {
		switch c.dev.Status() {
		case StatusSuccess:
			return nil
		case StatusError:
			return fmt.Errorf("bdev: device reported transfer error: %w", kerrors.EIO)
		}
	}
	return fmt.Errorf("bdev: status stayed busy after %d polls: %w", pollRetryBudget, kerrors.ETIMEDOUT)
}

// AccessDescheduled implements §4.8's descheduling-mode path. ctx is the
// calling thread's context (its norun_mask gets the io-block bit); yield is
// called once the device is programmed and the lock released, so the
// caller can hand control back to the scheduler — in this Go rendering a
// real kernel's "switch to another thread, resume on wakeup" is a blocking
// channel receive that CompletionISR unblocks.
func (c *Controller) AccessDescheduled(ctx *sched.Context, toMem bool, lba uint32, paddr uint64, count uint32, length uint32, yield func()) error {
	c.lock.Lock()

	handle, err := c.mbox.AllocForThread(int32(ctx.GlobalID))
	if err != nil {
		c.lock.Unlock()
		return err
	}

	ch := make(chan Status, 1)
	c.waitMu.Lock()
	c.waiter[int32(ctx.GlobalID)] = ch
	c.waitMu.Unlock()

	c.sync(paddr, length)
	c.dev.EnableIRQ(true)
	ctx.SetNorun(sched.NorunIOBlock)
	c.dev.Program(toMem, lba, paddr, count)

	// The lock is released before yielding: §4.8 "the only permitted
	// suspension is after the device has been programmed... never while
	// holding a spin lock".
	c.lock.Unlock()
	yield()

	status := <-ch
	c.mbox.ReleaseForThread(int32(ctx.GlobalID), handle)

	if status == StatusError {
		return fmt.Errorf("bdev: device reported transfer error: %w", kerrors.EIO)
	}
	return nil
}

// CompletionISR is the block-device ISR (mapping.IsrBlockDevice): record
// the device's status for the waiting thread, clear its io-block bit, and
// unblock its pending AccessDescheduled call so the caller can send the
// wakeup mailbox (the wakeup itself is irq.WakeupHandler's concern, kept
// out of this package to avoid an import cycle with irq).
func (c *Controller) CompletionISR(waitingThreadGlobalID int32, ctx *sched.Context) {
	status := c.dev.Status()
	ctx.ClearNorun(sched.NorunIOBlock)

	c.waitMu.Lock()
	ch := c.waiter[waitingThreadGlobalID]
	delete(c.waiter, waitingThreadGlobalID)
	c.waitMu.Unlock()

	if ch != nil {
		ch <- status
	}
}
