// Package diag builds the optional post-boot timing profile the DOMAIN
// STACK section of SPEC_FULL.md assigns to github.com/google/pprof/profile:
// time spent in each boot phase per cluster (from package boot's
// PhaseTiming records) and tick counts per processor (from package sched's
// Scheduler.Ticks), encoded as a profile.Profile a developer can inspect
// with `pprof -http`. Neither boot nor sched import this package — it is a
// pure consumer of the data they already expose, wired in by the boot
// entry point (package cmd/tsarkern) once a run completes.
package diag

import (
	"io"
	"sort"
	"strconv"

	"github.com/google/pprof/profile"

	"tsarkern/boot"
	"tsarkern/mapping"
)

// ProcTicks pairs a (cluster, processor) with the tick count its scheduler
// accumulated over the run, the second sample dimension Profile builds.
type ProcTicks struct {
	Cluster   mapping.ClusterID
	ProcLocal uint32
	Ticks     uint64
}

// sampleType and function/location IDs are fixed: this profile always has
// exactly two measurements (phase duration, tick count), so there is no
// need for a dynamic function table beyond one entry per phase name plus
// one for ticks.
const (
	typeDuration = "boot_phase"
	unitDuration = "nanoseconds"
	typeTicks    = "sched_ticks"
	unitTicks    = "count"
)

// Build assembles a profile.Profile from a completed Sequencer's phase
// timings and the final tick counts of every processor's scheduler.
// ticks holds one entry per (cluster, procLocal) boot actually built a
// scheduler for; the caller supplies it because only the caller (holding
// the live Sequencer) knows which scheduler backs which processor.
func Build(timings []boot.PhaseTiming, ticks []ProcTicks) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: typeDuration, Unit: unitDuration},
			{Type: typeTicks, Unit: unitTicks},
		},
		DefaultSampleType: typeDuration,
	}

	funcs := map[string]*profile.Function{}
	locs := map[string]*profile.Location{}
	var nextID uint64

	funcFor := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		nextID++
		f := &profile.Function{ID: nextID, Name: name, SystemName: name}
		funcs[name] = f
		p.Function = append(p.Function, f)
		return f
	}
	locFor := func(name string) *profile.Location {
		if l, ok := locs[name]; ok {
			return l
		}
		nextID++
		l := &profile.Location{ID: nextID, Line: []profile.Line{{Function: funcFor(name)}}}
		locs[name] = l
		p.Location = append(p.Location, l)
		return l
	}

	var earliest, latest int64
	for i, t := range timings {
		start := t.Start.UnixNano()
		end := t.End.UnixNano()
		if i == 0 || start < earliest {
			earliest = start
		}
		if i == 0 || end > latest {
			latest = end
		}

		loc := locFor("boot." + t.Phase)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{end - start, 0},
			Label: map[string][]string{
				"phase": {t.Phase},
			},
			NumLabel: map[string][]int64{
				"cluster_x": {int64(t.Cluster)},
			},
		})
	}

	sort.Slice(ticks, func(i, j int) bool {
		if ticks[i].Cluster != ticks[j].Cluster {
			return ticks[i].Cluster < ticks[j].Cluster
		}
		return ticks[i].ProcLocal < ticks[j].ProcLocal
	})
	for _, pt := range ticks {
		loc := locFor("sched.tick")
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{0, int64(pt.Ticks)},
			Label: map[string][]string{
				"proc": {procLabel(pt.Cluster, pt.ProcLocal)},
			},
		})
	}

	if len(timings) > 0 {
		p.TimeNanos = earliest
		p.DurationNanos = latest - earliest
	}
	return p
}

func procLabel(c mapping.ClusterID, procLocal uint32) string {
	return strconv.Itoa(int(c)) + "." + strconv.Itoa(int(procLocal))
}

// Write encodes the profile in gzip'd pprof wire format, the same form
// `pprof -http` expects on the command line.
func Write(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
