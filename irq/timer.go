package irq

import (
	"fmt"

	"tsarkern/kerrors"
	"tsarkern/mapping"
)

// TimerDevice is one auxiliary timer channel's register interface,
// distinct from the per-processor tick timer (mapping.IsrTick): a bank of
// these backs the tim-alloc/tim-start/tim-stop syscalls (supplemented
// feature, syscalls 20-22).
type TimerDevice interface {
	SetPeriod(channel uint32, period uint64)
	Enable(channel uint32, enable bool)
}

// TimerPool allocates timer channels to threads and routes their
// completion through the same external-IRQ Router every other peripheral
// uses, so a timer completion wakes its owning thread exactly like a
// block-device or NIC completion does.
type TimerPool struct {
	dev     TimerDevice
	router  *Router
	owned   []int32 // per-channel owning thread global id, NoChannel if free
	binding []Binding
}

// NoChannel marks a free timer channel.
const NoChannel int32 = -1

// NewTimerPool builds a pool of nChannels auxiliary timers.
func NewTimerPool(dev TimerDevice, router *Router, nChannels int) *TimerPool {
	owned := make([]int32, nChannels)
	for i := range owned {
		owned[i] = NoChannel
	}
	return &TimerPool{dev: dev, router: router, owned: owned, binding: make([]Binding, nChannels)}
}

// Alloc implements tim-alloc: reserve a free timer channel for ownerID.
func (p *TimerPool) Alloc(ownerID int32) (channel uint32, err error) {
	for i, o := range p.owned {
		if o == NoChannel {
			p.owned[i] = ownerID
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("irq: no free timer channel: %w", kerrors.ENXIO)
}

// Start implements tim-start: bind the channel's completion IRQ to a
// mailbox on the calling processor and program the period.
func (p *TimerPool) Start(channel uint32, period uint64, procLocal uint32, clusterXY uint32, wtiVector *[32]uint32) error {
	b, err := p.router.Bind(mapping.IsrTimer, channel, procLocal, clusterXY, wtiVector)
	if err != nil {
		return err
	}
	p.binding[channel] = b
	p.dev.SetPeriod(channel, period)
	p.dev.Enable(channel, true)
	return nil
}

// Stop implements tim-stop: disable the channel and undo its IRQ routing.
func (p *TimerPool) Stop(channel uint32, procLocal uint32, wtiVector *[32]uint32) {
	p.dev.Enable(channel, false)
	p.router.Unbind(p.binding[channel], procLocal, wtiVector)
	p.binding[channel] = Binding{}
}

// Release returns channel to the free pool, for use on thread exit (for
// example from a context's sched.Context.ReleaseTimer hook; the boot
// sequencer does not set that hook).
func (p *TimerPool) Release(channel uint32) {
	if int(channel) < len(p.owned) {
		p.owned[channel] = NoChannel
	}
}
