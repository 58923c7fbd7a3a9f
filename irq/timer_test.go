package irq

import (
	"testing"

	"tsarkern/mapping"
)

type fakeTimerDevice struct {
	enabled map[uint32]bool
	period  map[uint32]uint64
}

func newFakeTimerDevice() *fakeTimerDevice {
	return &fakeTimerDevice{enabled: map[uint32]bool{}, period: map[uint32]uint64{}}
}
func (d *fakeTimerDevice) SetPeriod(channel uint32, period uint64) { d.period[channel] = period }
func (d *fakeTimerDevice) Enable(channel uint32, enable bool)      { d.enabled[channel] = enable }

func TestTimerPool_AllocStartStopRelease(t *testing.T) {
	idx := ExtIRQIndex{extKey{mapping.IsrTimer, 0}: 11}
	router := &Router{Index: idx, Mbox: NewMailboxAllocator(4), Pic: &fakePIC{}, Xcu: &fakeXCU{}}
	dev := newFakeTimerDevice()
	pool := NewTimerPool(dev, router, 2)

	ch, err := pool.Alloc(42)
	if err != nil {
		t.Fatal(err)
	}

	var vec [32]uint32
	if err := pool.Start(ch, 1000, 1, 0, &vec); err != nil {
		t.Fatal(err)
	}
	if !dev.enabled[ch] {
		t.Fatal("expected channel enabled after start")
	}

	pool.Stop(ch, 1, &vec)
	if dev.enabled[ch] {
		t.Fatal("expected channel disabled after stop")
	}

	pool.Release(ch)
	if _, err := pool.Alloc(43); err != nil {
		t.Fatal("expected channel available again after release")
	}
}
