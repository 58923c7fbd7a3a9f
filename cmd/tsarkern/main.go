// Command tsarkern is a host-side harness that drives the boot sequencer
// over a mapping image, the way the teacher's own host-side tools
// (chentry, mkfs) operate on kernel artifacts from outside the kernel
// proper. It is not the kernel itself — a statically-mapped mesh kernel has
// no "go run" target, since it boots from a mapping image on real or
// simulated hardware — but it exercises §4.11's three-phase sequence
// end-to-end against a decoded image and reports the result the way a
// developer bringing up a new mapping would want to see it.
//
// The ELF loader and the mapping-binary producer are explicitly out of
// scope (spec.md §1); this harness's LoadELF hook is a logging stand-in,
// not a real loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"tsarkern/boot"
	"tsarkern/console"
	"tsarkern/diag"
	"tsarkern/isa"
	"tsarkern/kerrors"
	"tsarkern/mapping"
	"tsarkern/ptbl"
)

func main() {
	mappingPath := flag.String("mapping", "", "path to a mapping binary image (§6)")
	profilePath := flag.String("profile", "", "optional path to write a pprof boot/scheduling profile")
	tickRounds := flag.Int("ticks", 4, "number of simulated tick rounds to run on every booted scheduler after boot completes")
	flag.Parse()

	if *mappingPath == "" {
		fmt.Fprintln(os.Stderr, "usage: tsarkern -mapping <image> [-profile <out.pb.gz>] [-ticks N]")
		os.Exit(2)
	}

	if err := run(*mappingPath, *profilePath, *tickRounds); err != nil {
		log.Fatal(err)
	}
}

func run(mappingPath, profilePath string, tickRounds int) error {
	f, err := os.Open(mappingPath)
	if err != nil {
		return fmt.Errorf("tsarkern: opening mapping image: %w", err)
	}
	defer f.Close()

	img, err := mapping.Load(f)
	if err != nil {
		con := console.New(stdoutDevice{}, 1)
		kerrors.ReportFatalKernel(fatalReporter{con}, "mapping.Load", err)
		return fmt.Errorf("tsarkern: loading mapping image %q: %w", mappingPath, err)
	}

	nTTY := ttyChannelCount(img)
	con := console.New(stdoutDevice{}, nTTY)
	con.Printf(0, 0, "tsarkern: booting mapping %q (%dx%d mesh, %d cluster(s) with processors)\n",
		img.Name, img.XSize, img.YSize, img.ClustersWithProcessors())

	hooks := boot.Hooks{
		RAMPseg: func(img *mapping.Image, c mapping.ClusterID) (base, size uint64, ok bool) {
			for _, p := range img.PsegsOf(c) {
				if p.Type == mapping.PsegRAM {
					return p.Base, p.Length, true
				}
			}
			return 0, 0, false
		},
		LoadELF: func(img *mapping.Image, c mapping.ClusterID, builder *ptbl.Builder, resolver *ptbl.Resolver) error {
			for vsID, vs := range img.Vspaces {
				for _, v := range img.VsegsOf(mapping.VspaceID(vsID)) {
					if v.BinPath == "" || img.Psegs[v.PsegID].ClusterID != c {
						continue
					}
					con.Printf(0, 0, "tsarkern: cluster %d: would load %q into vseg %q (%s, out of core scope)\n",
						c, v.BinPath, v.Name, vs.Name)
				}
			}
			return nil
		},
		EnableMMU: func(c mapping.ClusterID) {
			con.Printf(0, 0, "tsarkern: cluster %d: MMU enabled\n", c)
		},
		StartTimer: func(c mapping.ClusterID, procLocal uint32) {
			con.Printf(0, 0, "tsarkern: cluster %d proc %d: timer started\n", c, procLocal)
		},
		TaskEntry: func(trdid uint32) uintptr {
			return isa.EretStub
		},
		EretStub: isa.EretStub,
		KernelSR: isa.KernelSR,
	}

	seq := boot.NewSequencer(img, hooks)
	ctx := context.Background()

	if err := seq.Run(ctx); err != nil {
		kerrors.ReportFatalKernel(fatalReporter{con}, "boot.Sequencer.Run", err)
		return fmt.Errorf("tsarkern: boot failed: %w", err)
	}
	con.Printf(0, 0, "tsarkern: boot completed across %d home cluster(s)\n", len(seq.Homes()))

	var tickSamples []diag.ProcTicks
	for _, c := range seq.Homes() {
		for _, p := range img.ProcsOf(c) {
			sc := seq.Scheduler(c, p.Index)
			if sc == nil {
				continue
			}
			for i := 0; i < tickRounds; i++ {
				sc.TickSwitch()
			}
			tickSamples = append(tickSamples, diag.ProcTicks{Cluster: c, ProcLocal: p.Index, Ticks: sc.Ticks()})
		}
	}

	if profilePath != "" {
		if err := writeProfile(seq, tickSamples, profilePath); err != nil {
			return fmt.Errorf("tsarkern: writing profile: %w", err)
		}
		con.Printf(0, 0, "tsarkern: wrote boot/scheduling profile to %q\n", profilePath)
	}

	return nil
}

func writeProfile(seq *boot.Sequencer, ticks []diag.ProcTicks, path string) error {
	p := diag.Build(seq.Timings, ticks)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return diag.Write(p, f)
}

// ttyChannelCount sizes the console's channel allocator from the mapping's
// declared TTY peripherals (a supplemented feature, SPEC_FULL.md), falling
// back to a single boot/kernel channel if the mapping declares none.
func ttyChannelCount(img *mapping.Image) int {
	total := 0
	for _, p := range img.Periphs {
		if p.Type == mapping.PeriphTTY {
			total += int(p.ChannelCount)
		}
	}
	if total == 0 {
		return 1
	}
	return total
}

// stdoutDevice adapts os.Stdout to console.Device for this harness: writes
// go to stdout, reads never have data pending, since no real terminal input
// exists when driving a boot sequence from the command line.
type stdoutDevice struct{}

func (stdoutDevice) TXReady(uint32) bool { return true }
func (stdoutDevice) WriteByte(_ uint32, b byte) {
	os.Stdout.Write([]byte{b})
}
func (stdoutDevice) RXReady(uint32) bool  { return false }
func (stdoutDevice) ReadByte(uint32) byte { return 0 }

// fatalReporter adapts console.Console's (x, y)-qualified Printf to the
// single-argument kerrors.Reporter interface, always targeting cluster
// (0,0) — the designated home processor that owns fatal boot reporting
// (§4.11 phase 1).
type fatalReporter struct {
	c *console.Console
}

func (r fatalReporter) Printf(format string, args ...any) {
	r.c.Printf(0, 0, format, args...)
}
