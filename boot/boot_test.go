package boot

import (
	"context"
	"sync"
	"testing"

	"tsarkern/mapping"
	"tsarkern/ptbl"
)

func buildTwoClusterImage() *mapping.Image {
	img := &mapping.Image{
		XSize: 3, YSize: 1,
		Clusters: []mapping.Cluster{
			{X: 0, Y: 0, PsegOffset: 0, PsegCount: 1, ProcOffset: 0, ProcCount: 1},
			{X: 1, Y: 0, PsegOffset: 1, PsegCount: 1, ProcOffset: 1, ProcCount: 1},
			{X: 2, Y: 0, PsegOffset: 2, PsegCount: 1, ProcOffset: 0, ProcCount: 0},
		},
		Psegs: []mapping.Pseg{
			{Name: "ram0", Type: mapping.PsegRAM, Base: 0, Length: 2 << 21, ClusterID: 0},
			{Name: "ram1", Type: mapping.PsegRAM, Base: 1 << 21, Length: 1 << 21, ClusterID: 1},
			{Name: "tty", Type: mapping.PsegPERI, Base: 0x80000000, Length: 0x1000, ClusterID: 2},
		},
		Vspaces: []mapping.Vspace{
			{Name: "app", VsegOffset: 0, VsegCount: 3, TaskOffset: 0, TaskCount: 2, Active: true},
		},
		Vsegs: []mapping.Vseg{
			{Name: "stack0", VBase: 0x1000, Length: 0x1000, Mode: mapping.ModeW | mapping.ModeU, Type: mapping.VsegStack, PsegID: 0, Local: true},
			{Name: "stack1", VBase: 0x1000, Length: 0x1000, Mode: mapping.ModeW | mapping.ModeU, Type: mapping.VsegStack, PsegID: 1, Local: true},
			{Name: "ttyseg", VBase: 0x90000000, Length: 0x1000, Mode: mapping.ModeC | mapping.ModeW, Type: mapping.VsegPeriph, PsegID: 2, Local: true},
		},
		Tasks: []mapping.Task{
			{Name: "t0", Trdid: 1, ClusterID: 0, ProcLocID: 0, StackVsegID: 0, HeapVsegID: mapping.NoVseg},
			{Name: "t1", Trdid: 2, ClusterID: 1, ProcLocID: 0, StackVsegID: 1, HeapVsegID: mapping.NoVseg},
		},
		Procs: []mapping.Proc{{Index: 0}, {Index: 0}},
	}
	return img
}

func ramPseg(img *mapping.Image, c mapping.ClusterID) (uint64, uint64, bool) {
	for _, p := range img.PsegsOf(c) {
		if p.Type == mapping.PsegRAM {
			return p.Base, p.Length, true
		}
	}
	return 0, 0, false
}

func TestSequencer_RunBuildsSchedulersForEveryTask(t *testing.T) {
	img := buildTwoClusterImage()

	var mu sync.Mutex
	var mmuCalls []mapping.ClusterID
	var timerCalls []procKey

	s := NewSequencer(img, Hooks{RAMPseg: ramPseg})
	s.Hooks.LoadELF = func(img *mapping.Image, c mapping.ClusterID, builder *ptbl.Builder, resolver *ptbl.Resolver) error {
		return nil
	}
	s.Hooks.EnableMMU = func(c mapping.ClusterID) {
		mu.Lock()
		mmuCalls = append(mmuCalls, c)
		mu.Unlock()
	}
	s.Hooks.StartTimer = func(c mapping.ClusterID, procLocal uint32) {
		mu.Lock()
		timerCalls = append(timerCalls, procKey{Cluster: c, ProcLocal: procLocal})
		mu.Unlock()
	}
	s.Hooks.TaskEntry = func(trdid uint32) uintptr { return uintptr(0x400000 + trdid) }

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(mmuCalls) != 2 {
		t.Fatalf("expected EnableMMU called once per home cluster, got %d", len(mmuCalls))
	}
	if len(timerCalls) != 2 {
		t.Fatalf("expected StartTimer called once per processor with work, got %d", len(timerCalls))
	}

	sc0 := s.Scheduler(0, 0)
	if sc0 == nil || sc0.Tasks != 1 {
		t.Fatalf("expected one task on cluster 0's processor, got %+v", sc0)
	}
	if sc0.Contexts[0].EntryAddr != 0x400001 {
		t.Fatalf("entry = %#x, want %#x", sc0.Contexts[0].EntryAddr, 0x400001)
	}
	if sc0.Contexts[0].PTabPPN == 0 {
		t.Fatal("expected a non-zero page-table-area PPN installed")
	}

	sc1 := s.Scheduler(1, 0)
	if sc1 == nil || sc1.Tasks != 1 {
		t.Fatalf("expected one task on cluster 1's processor, got %+v", sc1)
	}

	var phase1, phase2 int
	for _, ti := range s.Timings {
		switch ti.Phase {
		case "phase1":
			phase1++
		case "phase2":
			phase2++
		}
	}
	if phase1 != 1 || phase2 != 2 {
		t.Fatalf("got phase1=%d phase2=%d, want 1 and 2", phase1, phase2)
	}
}

func TestSequencer_Phase1RejectsEmptyMesh(t *testing.T) {
	img := &mapping.Image{Clusters: []mapping.Cluster{{X: 0, Y: 0}}}
	s := NewSequencer(img, Hooks{RAMPseg: ramPseg})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected an error when no cluster has a processor")
	}
}
