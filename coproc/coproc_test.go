package coproc

import (
	"testing"

	"tsarkern/sched"
)

type fakeDevice struct {
	running map[uint32]bool
	status  map[[2]uint32]ChannelStatus
	resets  map[[2]uint32]int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{running: map[uint32]bool{}, status: map[[2]uint32]ChannelStatus{}, resets: map[[2]uint32]int{}}
}

func (d *fakeDevice) SetRunning(clusterXY uint32, running bool) { d.running[clusterXY] = running }
func (d *fakeDevice) ProgramChannel(clusterXY uint32, channel uint32, mode Mode, bufPaddr uint64, bufSize uint32, mwmrPaddr, lockPaddr uint64) {
}
func (d *fakeDevice) ResetChannel(clusterXY uint32, channel uint32) {
	d.resets[[2]uint32{clusterXY, channel}]++
}
func (d *fakeDevice) ChannelStatus(clusterXY uint32, channel uint32) ChannelStatus {
	return d.status[[2]uint32{clusterXY, channel}]
}

func TestAlloc_ExclusivePerCluster(t *testing.T) {
	dev := newFakeDevice()
	d := NewDriver(dev, []uint32{0})

	var ctx1, ctx2 sched.Context
	ctx1.GlobalID = 1
	ctx2.GlobalID = 2

	if err := d.Alloc(0, 1, Capability{InputChannels: 1, OutputChannels: 1}, &ctx1); err != nil {
		t.Fatal(err)
	}
	if ctx1.Channels.CoprocCluster != 0 {
		t.Fatal("expected cluster coordinate recorded in context")
	}
	if err := d.Alloc(0, 1, Capability{}, &ctx2); err == nil {
		t.Fatal("expected second alloc on the same cluster to fail")
	}

	if err := d.Release(0, &ctx1); err != nil {
		t.Fatal(err)
	}
	if ctx1.Channels.CoprocCluster != sched.NoChannel {
		t.Fatal("expected cluster coordinate cleared after release")
	}
	if err := d.Alloc(0, 1, Capability{}, &ctx2); err != nil {
		t.Fatal("expected alloc to succeed after release")
	}
}

func TestRun_RejectsDisagreeingChannelModes(t *testing.T) {
	dev := newFakeDevice()
	d := NewDriver(dev, []uint32{0})
	s := d.clusters[0]
	s.channelMode[0] = ModeShared
	s.configured[0] = true
	s.channelMode[1] = ModePolledDMA
	s.configured[1] = true

	if _, err := d.Run(0); err == nil {
		t.Fatal("expected an error when configured channels disagree on mode")
	}
}

func TestCompletionISR_ReportsFirstErrorAndResetsAllChannels(t *testing.T) {
	dev := newFakeDevice()
	d := NewDriver(dev, []uint32{0})
	s := d.clusters[0]
	s.configured[0] = true
	s.configured[1] = true
	dev.status[[2]uint32{0, 0}] = ChannelErrorData
	dev.status[[2]uint32{0, 1}] = ChannelIdle

	var ctx sched.Context
	ctx.SetNorun(sched.NorunCoprocBlock)

	if err := d.CompletionISR(0, &ctx); err == nil {
		t.Fatal("expected the data error to be reported")
	}
	if dev.resets[[2]uint32{0, 0}] != 1 || dev.resets[[2]uint32{0, 1}] != 1 {
		t.Fatal("expected every configured channel reset")
	}
	if ctx.Norun()&sched.NorunCoprocBlock != 0 {
		t.Fatal("expected coproc-block bit cleared")
	}
}
