package netdev

import (
	"testing"

	"tsarkern/chbuf"
)

type fakeDevice struct{ running bool }

func (d *fakeDevice) Configure(srcChbufPaddr, dstChbufPaddr uint64, bufSize uint32, pollPeriod uint32) {
}
func (d *fakeDevice) SetRun(run bool) { d.running = run }

type fakeCache struct{}

func (fakeCache) FlushLine(paddr uint64, length uint32) {}

type fakeStatus struct{ vals map[uint64]chbuf.BufStatus }

func newFakeStatus() *fakeStatus { return &fakeStatus{vals: map[uint64]chbuf.BufStatus{}} }
func (s *fakeStatus) Read(paddr uint64) chbuf.BufStatus  { return s.vals[paddr] }
func (s *fakeStatus) Write(paddr uint64, v chbuf.BufStatus) { s.vals[paddr] = v }

func newPools(n int) (*chbuf.Pool, *chbuf.Pool) {
	rxDevs := make([]chbuf.Device, n)
	txDevs := make([]chbuf.Device, n)
	for i := range rxDevs {
		rxDevs[i] = &fakeDevice{}
		txDevs[i] = &fakeDevice{}
	}
	return chbuf.NewPool(rxDevs, fakeCache{}), chbuf.NewPool(txDevs, fakeCache{})
}

func TestAlloc_ReleasesRXIfTXExhausted(t *testing.T) {
	rxPool, _ := newPools(2)
	_, txPool := newPools(1)
	d := NewDriver(rxPool, txPool)

	ch0, err := d.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Alloc(); err == nil {
		t.Fatal("expected second alloc to fail: only one tx channel exists")
	}

	// The failed alloc must have released its rx channel back to the pool.
	if _, err := rxPool.Alloc(); err != nil {
		t.Fatal("expected rx channel to have been released after tx alloc failed")
	}

	d.Release(ch0)
}

func TestStatsRoundTrip(t *testing.T) {
	rxPool, txPool := newPools(1)
	d := NewDriver(rxPool, txPool)
	ch, err := d.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	sw := newFakeStatus()
	if st := ch.Stats(); st != (Stats{}) {
		t.Fatalf("expected zero stats initially, got %+v", st)
	}

	_ = ch.Move(true, sw, 512, 1) // status empty by default: succeeds immediately

	if ch.Stats().RXPackets != 1 {
		t.Fatalf("expected 1 rx packet counted, got %+v", ch.Stats())
	}

	ch.ClearStats()
	if st := ch.Stats(); st != (Stats{}) {
		t.Fatalf("expected stats cleared, got %+v", st)
	}
}
