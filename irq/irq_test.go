package irq

import (
	"testing"

	"tsarkern/mapping"
	"tsarkern/sched"
)

func TestDemux_DispatchesByVectorEntry(t *testing.T) {
	s := sched.NewScheduler(1)
	s.HWI[3] = packEntry(mapping.IsrTtyRx, 7)

	xcu := &fakeXCU{id: 3, kind: HWI, ok: true}
	var gotChannel uint32
	var called bool

	table := &Table{}
	table.Register(mapping.IsrTtyRx, func(kind SrcKind, id uint32, channel uint32) {
		called = true
		gotChannel = channel
		if kind != HWI || id != 3 {
			t.Fatalf("unexpected kind=%v id=%d", kind, id)
		}
	})

	Demux(s, xcu, 0, 0, table)

	if !called {
		t.Fatal("expected tty-rx handler to be called")
	}
	if gotChannel != 7 {
		t.Fatalf("channel=%d, want 7", gotChannel)
	}
}

func TestDemux_NothingPendingCallsDefault(t *testing.T) {
	s := sched.NewScheduler(1)
	xcu := &fakeXCU{ok: false}
	var called bool
	table := &Table{}
	table.Register(mapping.IsrDefault, func(SrcKind, uint32, uint32) { called = true })

	Demux(s, xcu, 0, 0, table)

	if !called {
		t.Fatal("expected default handler when nothing is pending")
	}
}

func TestWakeupHandler_SwitchesWhenIdleOrForced(t *testing.T) {
	s := sched.NewScheduler(1)
	var switched int
	h := WakeupHandler(s, func(uint32) MailboxData { return 0 }, func() { switched++ })

	// s.Current() is 0, IdleIndex() is 1 for a single-task scheduler, so
	// the running thread is not idle and value is 0: no switch expected.
	h(WTI, 5, 0)
	if switched != 0 {
		t.Fatalf("expected no switch, got %d", switched)
	}

	h2 := WakeupHandler(s, func(uint32) MailboxData { return 1 }, func() { switched++ })
	h2(WTI, 5, 0)
	if switched != 1 {
		t.Fatalf("expected forced switch, got %d total switches", switched)
	}
}

func TestMailboxAllocator_ThreePoolsThenExhausted(t *testing.T) {
	a := NewMailboxAllocator(4)

	ids := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		id, ok := a.Alloc(1)
		if !ok {
			t.Fatalf("expected allocation %d to succeed", i)
		}
		if ids[id] {
			t.Fatalf("duplicate wtiID %d across pools", id)
		}
		ids[id] = true
	}

	if _, ok := a.Alloc(1); ok {
		t.Fatal("expected fourth allocation for the same processor to fail")
	}

	for id := range ids {
		a.Release(1, id)
	}
	if _, ok := a.Alloc(1); !ok {
		t.Fatal("expected allocation to succeed again after release")
	}
}

func TestRouter_BindThenUnbindRestoresVector(t *testing.T) {
	idx := ExtIRQIndex{extKey{mapping.IsrBlockDevice, 0}: 9}
	pic := &fakePIC{}
	xcu := &fakeXCU{}
	r := &Router{Index: idx, Mbox: NewMailboxAllocator(4), Pic: pic, Xcu: xcu}

	var vec [32]uint32
	b, err := r.Bind(mapping.IsrBlockDevice, 0, 2, 0, &vec)
	if err != nil {
		t.Fatal(err)
	}
	if vec[b.WtiID] == 0 {
		t.Fatal("expected vector entry to be programmed")
	}
	if !pic.routed {
		t.Fatal("expected IOPIC route to be programmed")
	}

	r.Unbind(b, 2, &vec)
	if vec[b.WtiID] != 0 {
		t.Fatal("expected vector entry cleared on unbind")
	}
	if !pic.masked {
		t.Fatal("expected IOPIC entry masked on unbind")
	}

	if _, ok := r.Mbox.Alloc(2); !ok {
		t.Fatal("expected mailbox to be released back to the pool")
	}
}

func TestBuildExtIRQIndex_ScansPICPeripheral(t *testing.T) {
	img := &mapping.Image{
		XIO: 0, YIO: 0,
		Clusters: []mapping.Cluster{{X: 0, Y: 0, PeriphOffset: 0, PeriphCount: 1}},
		Periphs: []mapping.Periph{
			{Type: mapping.PeriphPIC, IrqOffset: 0, IrqCount: 2},
		},
		IRQs: []mapping.IRQ{
			{SrcType: mapping.SrcHWI, SrcID: 4, IsrKind: mapping.IsrTtyRx, Channel: 0},
			{SrcType: mapping.SrcHWI, SrcID: 5, IsrKind: mapping.IsrBlockDevice, Channel: 0},
		},
	}

	idx, err := BuildExtIRQIndex(img)
	if err != nil {
		t.Fatal(err)
	}
	if idx[extKey{mapping.IsrTtyRx, 0}] != 4 {
		t.Fatalf("expected tty-rx source id 4, got %d", idx[extKey{mapping.IsrTtyRx, 0}])
	}
	if idx[extKey{mapping.IsrBlockDevice, 0}] != 5 {
		t.Fatalf("expected block-device source id 5, got %d", idx[extKey{mapping.IsrBlockDevice, 0}])
	}
}

type fakeXCU struct {
	id   uint32
	kind SrcKind
	ok   bool
}

func (f *fakeXCU) HighestPriority(clusterXY uint32, icuOutIndex uint32) (uint32, SrcKind, bool) {
	return f.id, f.kind, f.ok
}
func (f *fakeXCU) WTIAddress(clusterXY uint32, wtiID uint32) uint64 { return uint64(wtiID) }
func (f *fakeXCU) AckTimer(clusterXY uint32, irqID uint32)          {}

type fakePIC struct {
	routed bool
	masked bool
}

func (p *fakePIC) Route(irqID uint32, mailboxAddr uint64, clusterXY uint32) { p.routed = true }
func (p *fakePIC) Mask(irqID uint32, masked bool)                          { p.masked = masked }
