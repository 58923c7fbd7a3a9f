package bdev

import (
	"testing"

	"tsarkern/sched"
)

type fakeDevice struct {
	status  Status
	statusAfter int
	calls   int
	irqOn   bool
}

func (d *fakeDevice) Program(toMem bool, lba uint32, paddr uint64, count uint32) {}
func (d *fakeDevice) Status() Status {
	d.calls++
	if d.calls >= d.statusAfter {
		return d.status
	}
	return StatusBusy
}
func (d *fakeDevice) EnableIRQ(enable bool) { d.irqOn = enable }

func noopSync(uint64, uint32) {}

type fakeMbox struct{}

func (fakeMbox) AllocForThread(int32) (any, error) { return nil, nil }
func (fakeMbox) ReleaseForThread(int32, any)        {}

func TestAccessPolling_SucceedsAfterBusyRetries(t *testing.T) {
	dev := &fakeDevice{status: StatusSuccess, statusAfter: 3}
	c := NewController(dev, noopSync, fakeMbox{})

	if err := c.AccessPolling(true, 42, 0x1000, 1, 512); err != nil {
		t.Fatal(err)
	}
}

func TestAccessPolling_ErrorStatusReturnsEIO(t *testing.T) {
	dev := &fakeDevice{status: StatusError, statusAfter: 1}
	c := NewController(dev, noopSync, fakeMbox{})

	if err := c.AccessPolling(true, 42, 0x1000, 1, 512); err == nil {
		t.Fatal("expected an error on device failure")
	}
}

func TestAccessDescheduled_BlocksSetsNorunThenClearsOnCompletion(t *testing.T) {
	dev := &fakeDevice{status: StatusSuccess, statusAfter: 1}
	c := NewController(dev, noopSync, fakeMbox{})

	var ctx sched.Context
	ctx.GlobalID = 7

	done := make(chan error, 1)
	yielded := make(chan struct{})
	go func() {
		done <- c.AccessDescheduled(&ctx, true, 42, 0x1000, 1, 512, func() {
			close(yielded)
		})
	}()

	<-yielded
	if ctx.Norun()&sched.NorunIOBlock == 0 {
		t.Fatal("expected io-block norun bit set before yield")
	}
	if !dev.irqOn {
		t.Fatal("expected completion IRQ enabled")
	}

	c.CompletionISR(7, &ctx)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if ctx.Norun()&sched.NorunIOBlock != 0 {
		t.Fatal("expected io-block norun bit cleared after completion")
	}
}
