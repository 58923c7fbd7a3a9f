package console

import (
	"testing"

	"tsarkern/ksync"
)

type fakeDevice struct {
	txFull  map[uint32]bool
	written map[uint32][]byte
	rxByte  map[uint32]byte
	rxReady map[uint32]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		txFull:  map[uint32]bool{},
		written: map[uint32][]byte{},
		rxByte:  map[uint32]byte{},
		rxReady: map[uint32]bool{},
	}
}

func (d *fakeDevice) TXReady(channel uint32) bool { return !d.txFull[channel] }
func (d *fakeDevice) WriteByte(channel uint32, b byte) {
	d.written[channel] = append(d.written[channel], b)
}
func (d *fakeDevice) RXReady(channel uint32) bool { return d.rxReady[channel] }
func (d *fakeDevice) ReadByte(channel uint32) byte { return d.rxByte[channel] }

func TestWrite_TranslatesNewlineToCRLF(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 4)

	if err := c.Write(0, 0, []byte("hi\n")); err != nil {
		t.Fatal(err)
	}
	got := string(dev.written[0])
	if got != "hi\r\n" {
		t.Fatalf("got %q, want %q", got, "hi\r\n")
	}
}

func TestWrite_FullBufferReportsEIO(t *testing.T) {
	dev := newFakeDevice()
	dev.txFull[0] = true
	c := New(dev, 4)

	if err := c.Write(0, 0, []byte("x")); err == nil {
		t.Fatal("expected error when tx buffer never drains")
	}
}

func TestAllocChannel_ExhaustionAndRelease(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 2)

	ch0, err := c.AllocChannel(10)
	if err != nil {
		t.Fatal(err)
	}
	ch1, err := c.AllocChannel(11)
	if err != nil {
		t.Fatal(err)
	}
	if ch0 == ch1 {
		t.Fatal("expected distinct channels")
	}
	if _, err := c.AllocChannel(12); err == nil {
		t.Fatal("expected ENXIO once every channel is owned")
	}

	c.ReleaseChannel(ch0)
	if _, err := c.AllocChannel(12); err != nil {
		t.Fatal("expected allocation to succeed after release")
	}
}

func TestEnterKernelMode_SwitchesLockPath(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 2)

	if err := c.Write(0, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}

	c.EnterKernelMode(ksync.NewSQTTree(1, 1))

	if err := c.Write(0, 0, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if string(dev.written[0]) != "ab" {
		t.Fatalf("got %q, want %q", dev.written[0], "ab")
	}
}

func TestReadByte_NotReadyReturnsFalse(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 1)

	if _, ok := c.ReadByte(0); ok {
		t.Fatal("expected not-ready read to return ok=false")
	}

	dev.rxReady[0] = true
	dev.rxByte[0] = 'x'
	b, ok := c.ReadByte(0)
	if !ok || b != 'x' {
		t.Fatalf("got b=%q ok=%v, want 'x' true", b, ok)
	}
}
