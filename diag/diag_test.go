package diag

import (
	"bytes"
	"testing"
	"time"

	"tsarkern/boot"
)

func TestBuild_SampleTypesAndCounts(t *testing.T) {
	now := time.Now()
	timings := []boot.PhaseTiming{
		{Phase: "phase1", Cluster: 0, Start: now, End: now.Add(10 * time.Millisecond)},
		{Phase: "phase2", Cluster: 0, Start: now.Add(10 * time.Millisecond), End: now.Add(30 * time.Millisecond)},
		{Phase: "phase2", Cluster: 1, Start: now.Add(10 * time.Millisecond), End: now.Add(25 * time.Millisecond)},
	}
	ticks := []ProcTicks{
		{Cluster: 1, ProcLocal: 0, Ticks: 42},
		{Cluster: 0, ProcLocal: 0, Ticks: 100},
	}

	p := Build(timings, ticks)

	if len(p.SampleType) != 2 {
		t.Fatalf("SampleType len = %d, want 2", len(p.SampleType))
	}
	if p.SampleType[0].Type != typeDuration || p.SampleType[1].Type != typeTicks {
		t.Fatalf("unexpected sample types: %+v", p.SampleType)
	}
	if len(p.Sample) != len(timings)+len(ticks) {
		t.Fatalf("Sample len = %d, want %d", len(p.Sample), len(timings)+len(ticks))
	}

	var totalDuration, totalTicks int64
	for _, s := range p.Sample {
		totalDuration += s.Value[0]
		totalTicks += s.Value[1]
	}
	if totalDuration != int64(10+20+15)*int64(time.Millisecond) {
		t.Fatalf("total duration = %d", totalDuration)
	}
	if totalTicks != 142 {
		t.Fatalf("total ticks = %d, want 142", totalTicks)
	}

	if p.DurationNanos != int64(30*time.Millisecond) {
		t.Fatalf("DurationNanos = %d, want %d", p.DurationNanos, int64(30*time.Millisecond))
	}
}

func TestBuild_Empty(t *testing.T) {
	p := Build(nil, nil)
	if len(p.Sample) != 0 {
		t.Fatalf("expected no samples, got %d", len(p.Sample))
	}
}

func TestWrite_RoundTrips(t *testing.T) {
	now := time.Now()
	p := Build([]boot.PhaseTiming{{Phase: "phase1", Cluster: 0, Start: now, End: now.Add(time.Millisecond)}}, nil)

	var buf bytes.Buffer
	if err := Write(p, &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty encoded profile")
	}
}
