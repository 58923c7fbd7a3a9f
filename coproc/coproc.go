// Package coproc implements the per-cluster accelerator driver of §4.10:
// exclusive per-cluster allocation, channel initialisation in one of three
// modes (shared, polled DMA, interrupt DMA), run/release, and the
// completion ISR that resets every channel and reports the first error.
// Mirrors giet_drivers/mwr_driver.c.
package coproc

import (
	"fmt"

	"tsarkern/kerrors"
	"tsarkern/ksync"
	"tsarkern/ptbl"
	"tsarkern/sched"
	"tsarkern/vtop"
)

// Mode is the closed set of coprocessor run modes (§4.10).
type Mode int

const (
	ModeShared Mode = iota
	ModePolledDMA
	ModeInterruptDMA
)

// ChannelStatus mirrors MWR_CHANNEL_* register values.
type ChannelStatus int

const (
	ChannelIdle ChannelStatus = iota
	ChannelBusy
	ChannelErrorData
	ChannelErrorLock
	ChannelErrorDesc
)

// Device is the per-cluster accelerator's register interface: global
// mode/type registers and per-channel registers, matching
// _mwr_get_coproc_register/_mwr_get_channel_register's address scheme.
type Device interface {
	SetRunning(clusterXY uint32, running bool)
	ProgramChannel(clusterXY uint32, channel uint32, mode Mode, bufPaddr uint64, bufSize uint32, mwmrPaddr, lockPaddr uint64)
	ResetChannel(clusterXY uint32, channel uint32)
	ChannelStatus(clusterXY uint32, channel uint32) ChannelStatus
}

// Capability is what alloc() records for the allocated accelerator: its
// type and the input (memory-to-coprocessor) and output
// (coprocessor-to-memory) channel counts, held as separate fields rather
// than packed into one 32-bit word.
type Capability struct {
	Type          uint32
	InputChannels uint32
	OutputChannels uint32
}

// clusterState is the per-cluster exclusive-allocation and channel state,
// guarded by the cluster's lock (§4.10: "take the cluster's exclusive
// lock").
type clusterState struct {
	lock ksync.SpinLock

	owned   bool
	ownerID int32
	cap     Capability

	channelMode [32]Mode
	configured  [32]bool
}

// Driver owns one clusterState per cluster in the mesh.
type Driver struct {
	dev      Device
	clusters map[uint32]*clusterState // keyed by cluster_xy
}

// NewDriver builds a coprocessor driver for the given set of cluster_xy
// coordinates that host an accelerator.
func NewDriver(dev Device, clusterXYs []uint32) *Driver {
	d := &Driver{dev: dev, clusters: make(map[uint32]*clusterState, len(clusterXYs))}
	for _, xy := range clusterXYs {
		d.clusters[xy] = &clusterState{}
	}
	return d
}

func (d *Driver) state(clusterXY uint32) (*clusterState, error) {
	s, ok := d.clusters[clusterXY]
	if !ok {
		return nil, fmt.Errorf("coproc: no accelerator at cluster %#x: %w", clusterXY, kerrors.ENXIO)
	}
	return s, nil
}

// Alloc implements alloc(type): take the cluster's exclusive lock, record
// type/capability, and record the cluster coordinate in the caller's
// thread context (mirrored here as ctx.Channels.CoprocCluster).
func (d *Driver) Alloc(clusterXY uint32, capType uint32, cap Capability, ctx *sched.Context) error {
	s, err := d.state(clusterXY)
	if err != nil {
		return err
	}
	s.lock.Lock()
	if s.owned {
		s.lock.Unlock()
		return fmt.Errorf("coproc: cluster %#x already allocated: %w", clusterXY, kerrors.EBUSY)
	}
	s.owned = true
	s.ownerID = int32(ctx.GlobalID)
	cap.Type = capType
	s.cap = cap
	ctx.Channels.CoprocCluster = int32(clusterXY)
	s.lock.Unlock()
	return nil
}

// ChannelInit implements channel_init: translate the buffer and (optional)
// mwmr/lock virtual addresses and program the channel registers for mode.
func (d *Driver) ChannelInit(clusterXY uint32, channel uint32, mode Mode,
	t *ptbl.Table, mmu vtop.MMU, bufVaddr uint64, bufSize uint32, mwmrVaddr, lockVaddr uint64) error {
	s, err := d.state(clusterXY)
	if err != nil {
		return err
	}

	bufPaddr, _, err := vtop.Translate(t, mmu, bufVaddr)
	if err != nil {
		return fmt.Errorf("coproc: translating buffer vaddr: %w", err)
	}
	var mwmrPaddr, lockPaddr uint64
	if mwmrVaddr != 0 {
		if mwmrPaddr, _, err = vtop.Translate(t, mmu, mwmrVaddr); err != nil {
			return fmt.Errorf("coproc: translating mwmr vaddr: %w", err)
		}
	}
	if lockVaddr != 0 {
		if lockPaddr, _, err = vtop.Translate(t, mmu, lockVaddr); err != nil {
			return fmt.Errorf("coproc: translating lock vaddr: %w", err)
		}
	}

	d.dev.ProgramChannel(clusterXY, channel, mode, bufPaddr, bufSize, mwmrPaddr, lockPaddr)
	s.channelMode[channel] = mode
	s.configured[channel] = true
	return nil
}

// Run implements run(): validate that every configured channel agrees on
// mode, then start channels and the coprocessor. In interrupt-DMA mode the
// caller is responsible for setting norun_mask and yielding after Run
// returns (§4.10: "run descheduled"); Run itself never blocks.
func (d *Driver) Run(clusterXY uint32) (Mode, error) {
	s, err := d.state(clusterXY)
	if err != nil {
		return 0, err
	}

	var mode Mode
	seen := false
	for ch, configured := range s.configured {
		if !configured {
			continue
		}
		if !seen {
			mode = s.channelMode[ch]
			seen = true
			continue
		}
		if s.channelMode[ch] != mode {
			return 0, fmt.Errorf("coproc: channels disagree on mode: %w", kerrors.EINVAL)
		}
	}

	d.dev.SetRunning(clusterXY, true)
	return mode, nil
}

// Completed implements completed(), valid only in polled-DMA mode: poll
// every configured channel's status until none is busy, returning the
// first error encountered (or nil).
func (d *Driver) Completed(clusterXY uint32, pollRetryBudget int) error {
	s, err := d.state(clusterXY)
	if err != nil {
		return err
	}

	for i := 0; i < pollRetryBudget; i++ {
		allDone := true
		for ch, configured := range s.configured {
			if !configured {
				continue
			}
			if d.dev.ChannelStatus(clusterXY, uint32(ch)) == ChannelBusy {
				allDone = false
				break
			}
		}
		if allDone {
			return d.checkAndReset(clusterXY, s)
		}
	}
	return fmt.Errorf("coproc: cluster %#x channels never completed: %w", clusterXY, kerrors.ETIMEDOUT)
}

func (d *Driver) checkAndReset(clusterXY uint32, s *clusterState) error {
	var firstErr error
	for ch, configured := range s.configured {
		if !configured {
			continue
		}
		if status := d.dev.ChannelStatus(clusterXY, uint32(ch)); status != ChannelIdle && status != ChannelBusy && firstErr == nil {
			firstErr = fmt.Errorf("coproc: channel %d reported status %d: %w", ch, status, kerrors.EIO)
		}
		d.dev.ResetChannel(clusterXY, uint32(ch))
	}
	return firstErr
}

// CompletionISR implements the interrupt-DMA completion path (§4.10):
// check every channel's status, report the first error, reset all
// channels, and clear the waiting thread's coproc-block bit so the caller
// can send the wakeup mailbox.
func (d *Driver) CompletionISR(clusterXY uint32, ctx *sched.Context) error {
	s, err := d.state(clusterXY)
	if err != nil {
		return err
	}
	err = d.checkAndReset(clusterXY, s)
	ctx.ClearNorun(sched.NorunCoprocBlock)
	return err
}

// Release implements release(): stop the coprocessor and channels, clear
// the cluster owner in the caller's context, release the exclusive lock.
func (d *Driver) Release(clusterXY uint32, ctx *sched.Context) error {
	s, err := d.state(clusterXY)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	d.dev.SetRunning(clusterXY, false)
	for ch, configured := range s.configured {
		if configured {
			d.dev.ResetChannel(clusterXY, uint32(ch))
			s.configured[ch] = false
		}
	}
	s.owned = false
	s.ownerID = 0
	ctx.Channels.CoprocCluster = sched.NoChannel
	return nil
}
