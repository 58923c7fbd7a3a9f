// Package console implements the multi-terminal TTY subsystem (§4.7, §5):
// a boot-mode spin lock / post-boot SQT lock switch around a shared serial
// device, plus the per-thread TTY channel allocator backing the tty-alloc/
// tty-read/tty-write syscalls (a supplemented feature: the distilled spec
// only names "the console" as something needing a lock; the original has a
// small allocator over several terminal channels). Mirrors
// giet_common/tty0.c and giet_drivers/tty_driver.c.
package console

import (
	"fmt"
	"io"
	"sync"

	"tsarkern/kerrors"
	"tsarkern/ksync"

	"golang.org/x/text/message"
)

// Device is the register-level interface to one TTY channel, matching
// _tty_get_register/_tty_set_register's TTY_STATUS/TTY_READ/TTY_WRITE
// registers.
type Device interface {
	// TXReady reports whether channel can accept another byte (status bit
	// 1 clear).
	TXReady(channel uint32) bool
	WriteByte(channel uint32, b byte)
	// RXReady reports whether a received byte is waiting (status bit 0
	// set).
	RXReady(channel uint32) bool
	ReadByte(channel uint32) byte
}

// Console owns the lock-mode switch and the channel allocator. Mode is
// single-writer: set once by the boot sequencer before any parallelism
// (§4.7: "the mode bit is single-writer"), never touched again.
type Console struct {
	dev Device

	bootSpin ksync.SpinLock
	sqt      *ksync.SQTTree
	bootMode bool

	allocMu sync.Mutex
	owned   []int32 // per-channel owning thread global id, -1 if free

	p *message.Printer
}

// NoOwner marks a free TTY channel.
const NoOwner int32 = -1

// New builds a Console over nChannels terminal lines, starting in boot
// mode (a spin lock, because the kernel heap backing an SQT tree does not
// exist yet — §4.7: "the boot code must use a spin lock since the kernel
// heap is not set").
func New(dev Device, nChannels int) *Console {
	owned := make([]int32, nChannels)
	for i := range owned {
		owned[i] = NoOwner
	}
	return &Console{dev: dev, bootMode: true, owned: owned, p: message.NewPrinter(message.MatchLanguage("en"))}
}

// EnterKernelMode switches the lock from the boot-time spin lock to the
// post-boot SQT lock. Called exactly once, by the boot sequencer, after the
// SQT tree has been built for the running mesh (§4.7).
func (c *Console) EnterKernelMode(sqt *ksync.SQTTree) {
	c.sqt = sqt
	c.bootMode = false
}

// lockHold is a released-by-defer handle over whichever lock mode is
// active, so callers never need to branch on bootMode themselves.
type lockHold struct {
	c       *Console
	sqtLock *ksync.SQTLock
}

func (c *Console) lock(x, y int) lockHold {
	if c.bootMode {
		c.bootSpin.Lock()
		return lockHold{c: c}
	}
	l := c.sqt.Handle(x, y)
	l.Lock()
	return lockHold{c: c, sqtLock: l}
}

func (h lockHold) unlock() {
	if h.c.bootMode {
		h.c.bootSpin.Unlock()
		return
	}
	h.sqtLock.Unlock()
}

// Write writes buf to channel 0 (the boot/kernel console), converting '\n'
// to "\r\n" a byte at a time like _tty0_write, retrying a bounded number of
// times on a full TX buffer before reporting EIO.
func (c *Console) Write(x, y int, buf []byte) error {
	h := c.lock(x, y)
	defer h.unlock()
	return c.writeLocked(0, buf)
}

func (c *Console) writeLocked(channel uint32, buf []byte) error {
	for _, b := range buf {
		if !c.waitTXReady(channel) {
			return fmt.Errorf("console: channel %d tx buffer stayed full: %w", channel, kerrors.EIO)
		}
		if b == '\n' {
			c.dev.WriteByte(channel, '\r')
		}
		c.dev.WriteByte(channel, b)
	}
	return nil
}

const txRetryBudget = 10000

func (c *Console) waitTXReady(channel uint32) bool {
	if c.dev.TXReady(channel) {
		return true
	}
	for i := 0; i < txRetryBudget; i++ {
		if c.dev.TXReady(channel) {
			return true
		}
	}
	return false
}

// Printf formats with golang.org/x/text/message (right-aligned numeric
// width rules matter for the tabular diagnostics in §4.11/§8) and writes
// the result to channel 0 under the console lock.
func (c *Console) Printf(x, y int, format string, args ...any) {
	h := c.lock(x, y)
	defer h.unlock()
	c.writeLocked(0, []byte(c.p.Sprintf(format, args...)))
}

// Writer adapts Console to io.Writer for a fixed cluster coordinate and
// channel, so callers that already hold an io.Writer-shaped diagnostic
// sink (e.g. a crash-dump formatter) can target the console uniformly.
func (c *Console) Writer(x, y int, channel uint32) io.Writer {
	return &writer{c: c, x: x, y: y, channel: channel}
}

type writer struct {
	c    *Console
	x, y int
	channel uint32
}

func (w *writer) Write(p []byte) (int, error) {
	h := w.c.lock(w.x, w.y)
	defer h.unlock()
	if err := w.c.writeLocked(w.channel, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AllocChannel implements the tty-alloc syscall: reserve an unused
// terminal channel for ownerID (a thread's global id), or ENXIO if every
// channel is already owned.
func (c *Console) AllocChannel(ownerID int32) (channel uint32, err error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	for i, o := range c.owned {
		if o == NoOwner {
			c.owned[i] = ownerID
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("console: no free tty channel: %w", kerrors.ENXIO)
}

// ReleaseChannel frees channel, regardless of current owner — mirrors
// _ctx_kill_task's unconditional TTY release on thread exit.
func (c *Console) ReleaseChannel(channel uint32) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	if int(channel) < len(c.owned) {
		c.owned[channel] = NoOwner
	}
}

// ReadByte implements the tty-read syscall's single-byte path: blocks the
// caller (via the returned ok=false + retry contract) until RXReady, then
// returns the byte. Polling policy matches _getc: the caller loops until ok
// is true.
func (c *Console) ReadByte(channel uint32) (b byte, ok bool) {
	if !c.dev.RXReady(channel) {
		return 0, false
	}
	return c.dev.ReadByte(channel), true
}

// WriteChannel implements the tty-write syscall for an arbitrary allocated
// channel (as opposed to Write, which always targets channel 0).
func (c *Console) WriteChannel(x, y int, channel uint32, buf []byte) error {
	h := c.lock(x, y)
	defer h.unlock()
	return c.writeLocked(channel, buf)
}
