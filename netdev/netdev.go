// Package netdev layers the NIC syscall surface (alloc/start/move/stop/
// stats/clear, syscall numbers 48-53) over the chained-buffer DMA engine in
// package chbuf, since the original wires NIC RX/TX through the same
// chbuf hardware as the frame buffer (§4.9: "used both for frame-buffer
// display... and for network flows"). Mirrors giet_drivers/nic_driver.c.
package netdev

import (
	"fmt"

	"tsarkern/chbuf"
)

// Stats are the original's per-channel packet/error counters
// (SUPPLEMENTED FEATURES: "the original's per-channel stats counters
// (packets, errors) are kept").
type Stats struct {
	RXPackets, TXPackets uint64
	RXErrors, TXErrors   uint64
}

// Channel is one allocated NIC flow: one RX and one TX chbuf channel plus
// its running counters.
type Channel struct {
	rx, tx *chbuf.Channel
	stats  Stats
}

// Driver layers the nic-alloc/nic-start/nic-move/nic-stop/nic-stats/
// nic-clear syscalls over two chbuf pools (RX and TX), mirroring
// NB_NIC_CHANNELS independent flows.
type Driver struct {
	rxPool *chbuf.Pool
	txPool *chbuf.Pool
}

// NewDriver wraps the RX and TX chbuf channel pools backing the NIC.
func NewDriver(rxPool, txPool *chbuf.Pool) *Driver {
	return &Driver{rxPool: rxPool, txPool: txPool}
}

// Alloc implements nic-alloc: reserve one RX and one TX chbuf channel as a
// matched pair. If the TX allocation fails after RX succeeded, the RX
// channel is released so a partial allocation never leaks a channel.
func (d *Driver) Alloc() (*Channel, error) {
	rx, err := d.rxPool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("netdev: no free rx channel: %w", err)
	}
	tx, err := d.txPool.Alloc()
	if err != nil {
		d.rxPool.Release(rx)
		return nil, fmt.Errorf("netdev: no free tx channel: %w", err)
	}
	return &Channel{rx: rx, tx: tx}, nil
}

// Start implements nic-start: start both the RX and TX chbuf channels with
// the given frame length and polling period.
func (c *Channel) Start(length uint32, pollPeriod uint32) {
	c.rx.Start(length, pollPeriod)
	c.tx.Start(length, pollPeriod)
}

// Stop implements nic-stop: clear the run bit on both directions.
func (c *Channel) Stop() {
	c.rx.Stop()
	c.tx.Stop()
}

// Move implements nic-move: hand the next RX buffer to software (reading a
// received frame) or the next TX buffer to hardware (queuing a frame to
// send), via the shared chbuf double-buffer protocol. rx selects direction.
func (c *Channel) Move(rx bool, sw chbuf.StatusWord, bufLength uint32, pollRetryBudget int) error {
	var err error
	if rx {
		err = c.rx.Display(sw, c.rx.Next(), bufLength, pollRetryBudget)
		if err != nil {
			c.stats.RXErrors++
		} else {
			c.stats.RXPackets++
		}
	} else {
		err = c.tx.Display(sw, c.tx.Next(), bufLength, pollRetryBudget)
		if err != nil {
			c.stats.TXErrors++
		} else {
			c.stats.TXPackets++
		}
	}
	return err
}

// Stats implements nic-stats: snapshot the per-channel counters.
func (c *Channel) Stats() Stats { return c.stats }

// ClearStats implements nic-clear: zero the per-channel counters.
func (c *Channel) ClearStats() { c.stats = Stats{} }

// Release implements the channel teardown backing thread-kill cleanup:
// stop both directions and return the chbuf channels to their pools.
func (d *Driver) Release(c *Channel) {
	c.Stop()
	d.rxPool.Release(c.rx)
	d.txPool.Release(c.tx)
}
