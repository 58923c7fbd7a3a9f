// Package chbuf implements the chained-buffer DMA driver of §4.9, shared
// by the frame-buffer display path and the NIC packet path: a double-
// buffered transfer where a 64-byte status word per buffer is the sole
// synchronisation point between software and hardware. Mirrors
// giet_drivers/cma_driver.c and dma_driver.c.
package chbuf

import (
	"fmt"
	"sync"

	"tsarkern/kerrors"
	"tsarkern/ptbl"
	"tsarkern/vtop"
)

// BufStatus is the 64-byte status word's logical value: Full means
// hardware (in the source direction) or a consumer still owns the buffer;
// Empty means software may overwrite it.
type BufStatus uint32

const (
	Empty BufStatus = 0
	Full  BufStatus = 1
)

// CacheOps names the L2 flush operations §4.9 requires around every status
// and buffer write, so the hardware DMA engine observes them.
type CacheOps interface {
	FlushLine(paddr uint64, length uint32)
}

// Device is the register-level interface to one chained-buffer DMA
// channel: installing the descriptor pair, buffer size, polling period,
// and run bit. It has no status read: the status words live in shared
// memory and are read and written through StatusWord.
type Device interface {
	Configure(srcChbufPaddr, dstChbufPaddr uint64, bufSize uint32, pollPeriod uint32)
	SetRun(run bool)
}

// chbufDescriptor is the two-entry descriptor §4.9 names: one (buffer
// paddr, status paddr) pair per half of the double buffer.
type chbufDescriptor struct {
	bufPaddr    [2]uint64
	statusPaddr [2]uint64
}

// Channel is one allocated chained-buffer DMA channel.
type Channel struct {
	dev   Device
	cache CacheOps

	desc     chbufDescriptor
	descPaddr uint64

	current int // index of the buffer software is about to hand to hardware next
}

// Pool allocates and releases channels for a fixed-size bank of hardware
// channels (§4.9: channel_alloc/channel_release), mirroring the frame-
// buffer's single channel and the NIC's per-flow channel set.
type Pool struct {
	mu      sync.Mutex
	devices []Device
	cache   CacheOps
	used    []bool
}

// NewPool wraps the given hardware channels behind an allocator.
func NewPool(devices []Device, cache CacheOps) *Pool {
	return &Pool{devices: devices, cache: cache, used: make([]bool, len(devices))}
}

// Alloc implements channel_alloc(): reserve an unused hardware channel.
func (p *Pool) Alloc() (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, u := range p.used {
		if !u {
			p.used[i] = true
			return &Channel{dev: p.devices[i], cache: p.cache}, nil
		}
	}
	return nil, fmt.Errorf("chbuf: no free channel: %w", kerrors.ENXIO)
}

// Release implements channel_release(): mark the hardware channel backing
// ch as free again. The caller must have already called Stop.
func (p *Pool) Release(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.devices {
		if d == ch.dev {
			p.used[i] = false
			return
		}
	}
}

// InitBuf implements init_buf(): translate each virtual buffer and status
// word to a physical address, pack them into the two-entry descriptor, and
// flush the descriptor so the DMA engine's first read sees it.
func (ch *Channel) InitBuf(t *ptbl.Table, mmu vtop.MMU, buf0, status0, buf1, status1 uint64, descPaddr uint64) error {
	paddrs := [4]uint64{}
	vaddrs := [4]uint64{buf0, status0, buf1, status1}
	for i, v := range vaddrs {
		p, _, err := vtop.Translate(t, mmu, v)
		if err != nil {
			return fmt.Errorf("chbuf: translating buffer/status vaddr %#x: %w", v, err)
		}
		paddrs[i] = p
	}

	ch.desc = chbufDescriptor{
		bufPaddr:    [2]uint64{paddrs[0], paddrs[2]},
		statusPaddr: [2]uint64{paddrs[1], paddrs[3]},
	}
	ch.descPaddr = descPaddr
	ch.current = 0

	ch.cache.FlushLine(descPaddr, descriptorSize)
	return nil
}

const descriptorSize = 32 // two (paddr,status-paddr) uint64 pairs

// Start implements start(length): install the descriptor pair, buffer
// size, polling period, and set the run bit.
func (ch *Channel) Start(length uint32, pollPeriod uint32) {
	ch.dev.Configure(ch.desc.bufPaddr[0], ch.desc.bufPaddr[1], length, pollPeriod)
	ch.dev.SetRun(true)
}

// Stop implements stop(): clear the run bit.
func (ch *Channel) Stop() {
	ch.dev.SetRun(false)
}

// StatusWord is the in-memory view of one buffer's 64-byte status word,
// read and written directly (no register access) because the hardware
// polls the same memory location.
type StatusWord interface {
	Read(paddr uint64) BufStatus
	Write(paddr uint64, v BufStatus)
}

// Display implements display(index): poll buffer index's status until
// free, flush it in L2, mark it full for the destination and the other
// (already-consumed) buffer empty, then flush both status words. index
// must alternate 0/1 by construction — the invariant "exactly one buffer
// is owned by software at any time" is the caller's to maintain by always
// advancing through Next().
func (ch *Channel) Display(sw StatusWord, index int, bufLength uint32, pollRetryBudget int) error {
	statusPaddr := ch.desc.statusPaddr[index]
	bufPaddr := ch.desc.bufPaddr[index]

	for i := 0; i < pollRetryBudget; i++ {
		if sw.Read(statusPaddr) == Empty {
			break
		}
		if i == pollRetryBudget-1 {
			return fmt.Errorf("chbuf: buffer %d stayed full: %w", index, kerrors.ETIMEDOUT)
		}
	}

	ch.cache.FlushLine(bufPaddr, bufLength)

	other := 1 - index
	sw.Write(statusPaddr, Full)
	sw.Write(ch.desc.statusPaddr[other], Empty)
	ch.cache.FlushLine(statusPaddr, 64)
	ch.cache.FlushLine(ch.desc.statusPaddr[other], 64)

	ch.current = other
	return nil
}

// Next returns the buffer index software should fill next.
func (ch *Channel) Next() int { return ch.current }
