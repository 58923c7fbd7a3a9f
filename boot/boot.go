// Package boot implements the three-phase boot sequencer of §4.11: phase 1
// builds the shared boot-time state and the list of home clusters (clusters
// with a processor); every home then builds its cluster's page tables,
// schedulers, and ELF-loaded state in parallel, synchronised by the
// all-home barrier phase 1 sized (phase 2); finally every processor with a
// scheduler meets at the all-processor barrier, the point where it can hand
// off to the kernel-init continuation (phase 3). Sending the wakeup
// mailboxes and waking each home's other processors are left to the
// caller; this package does neither.
//
// The teacher's own boot path is assembly/runtime-internal and outside the
// retrieved slice, so this package has no single teacher file to mirror
// line-by-line; its control flow is grounded directly on the phase
// description above and uses golang.org/x/sync/errgroup (already an
// indirect dependency of the teacher's own go.mod) to drive the per-cluster
// phase-2 goroutines and propagate the first fatal error, instead of
// hand-rolling a WaitGroup and error channel.
package boot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tsarkern/kerrors"
	"tsarkern/ksync"
	"tsarkern/mapping"
	"tsarkern/pma"
	"tsarkern/ptbl"
	"tsarkern/sched"
)

// RAMPseg locates the RAM pseg backing cluster c's physical allocator
// (§4.2). A cluster with processors but no RAM pseg of its own is a fatal
// mapping error — boot failures are always fatal (§7).
type RAMPseg func(img *mapping.Image, c mapping.ClusterID) (base, size uint64, ok bool)

// ELFLoader loads the ELF segments targeting cluster c's vspaces into the
// already-built page tables, the last step of phase 2.
type ELFLoader func(img *mapping.Image, c mapping.ClusterID, builder *ptbl.Builder, resolver *ptbl.Resolver) error

// Hooks are the platform-specific callbacks the sequencer itself cannot
// express, since they would touch real hardware: the MMU enable sequence,
// per-processor register reset values, and ELF loading.
type Hooks struct {
	RAMPseg RAMPseg
	LoadELF ELFLoader

	// EnableMMU installs the page-table pointer and turns the MMU on for
	// cluster c, once its tables are fully built (§4.11 phase 2: "install
	// the page-table pointer and enable the MMU").
	EnableMMU func(c mapping.ClusterID)

	// EretStub/KernelSR are the platform constants a freshly exec'd
	// context's RA/SR are reset to (mirrors _ctx_eret/GIET_SR_INIT_VALUE).
	EretStub uintptr
	KernelSR uintptr

	// StartTimer is called once per processor that has at least one
	// runnable (non-idle) task, per §4.11: "start timers only where there
	// is work".
	StartTimer func(c mapping.ClusterID, procLocal uint32)

	// TaskEntry resolves a statically-placed task's entry point, once its
	// ELF segments are loaded. Called while building that task's context
	// in phase 2.
	TaskEntry func(trdid uint32) uintptr
}

// PhaseTiming records the wall-clock span of one phase on one cluster,
// consumed by package diag to build a post-boot timing profile.
type PhaseTiming struct {
	Phase      string
	Cluster    mapping.ClusterID
	Start, End time.Time
}

type procKey struct {
	Cluster   mapping.ClusterID
	ProcLocal uint32
}

type tableKey struct {
	vs mapping.VspaceID
	c  mapping.ClusterID
}

// Sequencer drives the three boot phases over an already-decoded mapping
// image.
type Sequencer struct {
	Img   *mapping.Image
	Hooks Hooks

	Builder  *ptbl.Builder
	Resolver *ptbl.Resolver

	allocMu    sync.Mutex
	Allocators map[mapping.ClusterID]*pma.Allocator

	schedMu    sync.Mutex
	Schedulers map[procKey]*sched.Scheduler

	l2Mu    sync.Mutex
	l2Cache map[l2Key]uint32

	l1Mu   sync.Mutex
	l1Area map[tableKey]uint32 // this (vspace, cluster)'s level-1 table's own backing page

	homes    []mapping.ClusterID
	allHome  *ksync.SimpleBarrier
	allProcs *ksync.HierBarrier

	timingMu sync.Mutex
	Timings  []PhaseTiming
}

type l2Key struct {
	vs mapping.VspaceID
	c  mapping.ClusterID
	bigVPN uint32
}

// NewSequencer builds a sequencer over img. Phase 1 itself is Run's first
// step; NewSequencer only allocates the shared structures every phase reads
// or writes.
func NewSequencer(img *mapping.Image, hooks Hooks) *Sequencer {
	s := &Sequencer{
		Img:        img,
		Hooks:      hooks,
		Builder:    ptbl.NewBuilder(),
		Allocators: make(map[mapping.ClusterID]*pma.Allocator),
		Schedulers: make(map[procKey]*sched.Scheduler),
		l2Cache:    make(map[l2Key]uint32),
		l1Area:     make(map[tableKey]uint32),
	}
	s.Resolver = ptbl.NewResolver(s.Allocators)
	return s
}

// Run drives phases 1 through 3 to completion. Any returned error is a
// fatal kernel error (§7: "errors during boot are always fatal"); the
// caller reports it via kerrors.ReportFatalKernel and halts.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.phase1(); err != nil {
		return err
	}
	if err := s.phase2(ctx); err != nil {
		return err
	}
	s.phase3()
	return nil
}

func (s *Sequencer) record(phase string, c mapping.ClusterID, start time.Time) {
	s.timingMu.Lock()
	defer s.timingMu.Unlock()
	s.Timings = append(s.Timings, PhaseTiming{Phase: phase, Cluster: c, Start: start, End: time.Now()})
}

// phase1 counts the clusters that contain at least one processor (the
// "homes"), sizes the all-home barrier and the final all-processor
// barrier, and records the home-cluster list. Sending the initial wakeup
// mailbox to one processor per remaining cluster is the caller's concern
// once phase1 returns (it requires a live irq.Router, which this package
// does not hold, to avoid a dependency on the irq package's running state
// before any scheduler exists).
func (s *Sequencer) phase1() error {
	start := time.Now()

	procCounts := make([]int, 0, len(s.Img.Clusters))
	for i, c := range s.Img.Clusters {
		if c.ProcCount == 0 {
			continue
		}
		s.homes = append(s.homes, mapping.ClusterID(i))
		procCounts = append(procCounts, int(c.ProcCount))
	}
	if len(s.homes) == 0 {
		return fmt.Errorf("boot: mapping declares no cluster with a processor: %w", kerrors.EINVAL)
	}

	s.allHome = ksync.NewSimpleBarrier(len(s.homes))
	s.allProcs = ksync.NewHierBarrier(procCounts)

	s.record("phase1", s.homes[0], start)
	return nil
}

// Homes returns the home-cluster list phase1 built, so the caller can send
// the initial wakeup mailbox to one processor per cluster before phase2
// starts waiting on them.
func (s *Sequencer) Homes() []mapping.ClusterID { return s.homes }

// phase2 runs every home's per-cluster setup in parallel, synchronised by
// the barrier phase1 sized.
func (s *Sequencer) phase2(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.homes {
		c := c
		g.Go(func() error {
			return s.phase2Cluster(gctx, c)
		})
	}
	return g.Wait()
}

func (s *Sequencer) phase2Cluster(ctx context.Context, c mapping.ClusterID) error {
	start := time.Now()
	cluster := s.Img.Clusters[c]

	base, size, ok := s.Hooks.RAMPseg(s.Img, c)
	if !ok {
		return fmt.Errorf("boot: cluster %d has processors but no RAM pseg: %w", c, kerrors.EINVAL)
	}
	alloc, err := pma.Init(uint(cluster.X), uint(cluster.Y), base, size)
	if err != nil {
		return fmt.Errorf("boot: cluster %d: initialising physical allocator: %w", c, err)
	}
	s.allocMu.Lock()
	s.Allocators[c] = alloc
	s.allocMu.Unlock()

	if err := s.installClusterVsegs(c); err != nil {
		return err
	}
	s.allHome.Wait()

	if c == s.homes[0] {
		if err := s.installOrphanVsegs(); err != nil {
			return err
		}
	}
	s.allHome.Wait()

	if s.Hooks.EnableMMU != nil {
		s.Hooks.EnableMMU(c)
	}
	if err := s.initClusterSchedulers(c); err != nil {
		return err
	}
	s.allHome.Wait()

	if s.Hooks.LoadELF != nil {
		if err := s.Hooks.LoadELF(s.Img, c, s.Builder, s.Resolver); err != nil {
			return fmt.Errorf("boot: cluster %d: loading ELF segments: %w", c, err)
		}
	}
	s.allHome.Wait()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.record("phase2", c, start)
	return nil
}

// tableAreaAllocator returns the allocator that backs a page-table area for
// cluster c. A cluster with processors always has its own RAM pseg and
// allocator; a processor-less cluster (peripherals only) does not, so its
// tables are carved out of the boot home's RAM instead — there is nowhere
// else to put them.
func (s *Sequencer) tableAreaAllocator(c mapping.ClusterID) (*pma.Allocator, error) {
	s.allocMu.Lock()
	a, ok := s.Allocators[c]
	if !ok && len(s.homes) > 0 {
		a, ok = s.Allocators[s.homes[0]]
	}
	s.allocMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("boot: no allocator available for cluster %d's page-table area: %w", c, kerrors.ENOMEM)
	}
	return a, nil
}

// l2ppnFor allocates (once per big page, cached) the physical page backing
// a level-2 sub-table, mirroring the page-table-area allocation Design
// Notes describes for level-1 tables: "allocate big pages (never share),
// carve into sub-tables."
func (s *Sequencer) l2ppnFor(vs mapping.VspaceID, c mapping.ClusterID, bigVPN uint32) (uint32, error) {
	k := l2Key{vs, c, bigVPN}
	s.l2Mu.Lock()
	defer s.l2Mu.Unlock()
	if ppn, ok := s.l2Cache[k]; ok {
		return ppn, nil
	}
	a, err := s.tableAreaAllocator(c)
	if err != nil {
		return 0, err
	}
	ppn, err := a.AllocSmall(1)
	if err != nil {
		return 0, err
	}
	s.l2Cache[k] = ppn
	return ppn, nil
}

// l1AreaFor allocates (once per (vspace, cluster), cached) the physical
// page backing that table's own level-1 area, so phase3 has a PPN to
// install into each processor's context.
func (s *Sequencer) l1AreaFor(vs mapping.VspaceID, c mapping.ClusterID) (uint32, error) {
	k := tableKey{vs, c}
	s.l1Mu.Lock()
	defer s.l1Mu.Unlock()
	if ppn, ok := s.l1Area[k]; ok {
		return ppn, nil
	}
	a, err := s.tableAreaAllocator(c)
	if err != nil {
		return 0, err
	}
	ppn, err := a.AllocSmall(1)
	if err != nil {
		return 0, err
	}
	s.Builder.Table(vs, c) // ensure the table itself exists
	s.l1Area[k] = ppn
	return ppn, nil
}

// installClusterVsegs builds the page tables for every vseg whose backing
// pseg lives in cluster c — §4.11 phase 2: "build its cluster's page
// tables".
func (s *Sequencer) installClusterVsegs(c mapping.ClusterID) error {
	for vsID := range s.Img.Vspaces {
		vs := mapping.VspaceID(vsID)
		if _, err := s.l1AreaFor(vs, c); err != nil {
			return err
		}
		for _, v := range s.Img.VsegsOf(vs) {
			pseg := s.Img.Psegs[v.PsegID]
			if pseg.ClusterID != c {
				continue
			}
			if err := ptbl.Install(s.Builder, s.Img, vs, c, v, s.Resolver, s.l2ppnFor); err != nil {
				return fmt.Errorf("boot: cluster %d: %w", c, err)
			}
		}
	}
	return nil
}

// installOrphanVsegs finishes any vseg whose backing pseg lives in a
// cluster with no processors of its own — §4.11 phase 2: "one designated
// processor finishes any global vsegs whose target cluster has no
// processors".
func (s *Sequencer) installOrphanVsegs() error {
	for vsID := range s.Img.Vspaces {
		vs := mapping.VspaceID(vsID)
		for _, v := range s.Img.VsegsOf(vs) {
			pseg := s.Img.Psegs[v.PsegID]
			cl := pseg.ClusterID
			if s.Img.Clusters[cl].ProcCount > 0 {
				continue // already installed by that cluster's own home
			}
			if err := ptbl.Install(s.Builder, s.Img, vs, cl, v, s.Resolver, s.l2ppnFor); err != nil {
				return fmt.Errorf("boot: installing orphan vseg %q: %w", v.Name, err)
			}
		}
	}
	return nil
}

// initClusterSchedulers builds one scheduler per processor in cluster c,
// sized to the tasks the mapping statically places on it, and starts a
// timer only where there is at least one such task — §4.11 phase 2:
// "initialise schedulers for every processor in the cluster... start
// timers only where there is work".
func (s *Sequencer) initClusterSchedulers(c mapping.ClusterID) error {
	for _, p := range s.Img.ProcsOf(c) {
		type taskRef struct {
			vs   mapping.VspaceID
			task mapping.Task
		}
		var matches []taskRef
		for vsID, vspace := range s.Img.Vspaces {
			if !vspace.Active {
				continue
			}
			vs := mapping.VspaceID(vsID)
			for _, t := range s.Img.TasksOf(vs) {
				if t.ClusterID == c && t.ProcLocID == p.Index {
					matches = append(matches, taskRef{vs: vs, task: t})
				}
			}
		}

		sc := sched.NewScheduler(len(matches))
		sc.EretStub = s.Hooks.EretStub
		sc.KernelSR = s.Hooks.KernelSR

		for i, m := range matches {
			ctx := &sc.Contexts[i]
			ctx.LocalID = i
			ctx.Trdid = m.task.Trdid
			ctx.VspaceID = int(m.vs)

			stackVseg := s.Img.Vsegs[m.task.StackVsegID]
			ctx.StackVBase = uintptr(stackVseg.VBase)
			ctx.StackLength = uintptr(stackVseg.Length)

			if s.Hooks.TaskEntry != nil {
				ctx.EntryAddr = s.Hooks.TaskEntry(m.task.Trdid)
			}

			l1ppn, err := s.l1AreaFor(m.vs, c)
			if err != nil {
				return err
			}
			ctx.PTabPPN = l1ppn
		}

		key := procKey{Cluster: c, ProcLocal: p.Index}
		s.schedMu.Lock()
		s.Schedulers[key] = sc
		s.schedMu.Unlock()

		if len(matches) > 0 && s.Hooks.StartTimer != nil {
			s.Hooks.StartTimer(c, p.Index)
		}
	}
	return nil
}

// phase3 implements §4.11 phase 3: every processor's scheduler is already
// built by phase2; this step is the final all-processor rendezvous before
// the caller's kernel-init continuation computes the first runnable thread
// and eret's into user mode. Waking the other local processors themselves
// (starting their goroutines/cores) is the caller's concern — this package
// only brings every processor's state to the point a continuation needs.
func (s *Sequencer) phase3() {
	var wg sync.WaitGroup
	for leafIdx, c := range s.homes {
		for _, p := range s.Img.ProcsOf(c) {
			key := procKey{Cluster: c, ProcLocal: p.Index}
			s.schedMu.Lock()
			_, ok := s.Schedulers[key]
			s.schedMu.Unlock()
			if !ok {
				continue
			}
			wg.Add(1)
			go func(leafIdx int) {
				defer wg.Done()
				s.allProcs.Wait(leafIdx)
			}(leafIdx)
		}
	}
	wg.Wait()
}

// Scheduler returns the scheduler built for (cluster, procLocal), or nil if
// boot never built one there (a cluster with fewer processors than its
// neighbours, e.g.).
func (s *Sequencer) Scheduler(c mapping.ClusterID, procLocal uint32) *sched.Scheduler {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.Schedulers[procKey{Cluster: c, ProcLocal: procLocal}]
}
