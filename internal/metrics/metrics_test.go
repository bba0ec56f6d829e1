package metrics

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"
)

func TestMonitorChunkRateEMA(t *testing.T) {
	m := NewMonitor(256)
	t0 := time.Unix(1000, 0)

	m.ObserveTick(TickStats{Tick: 1, At: t0, LoadedChunks: 0})
	// Below the update interval: rate unchanged.
	m.ObserveTick(TickStats{Tick: 2, At: t0.Add(100 * time.Millisecond), LoadedChunks: 50})
	if got := m.Snapshot().ChunksPerSecond; got != 0 {
		t.Fatalf("rate=%v before interval, want 0", got)
	}
	m.ObserveTick(TickStats{Tick: 3, At: t0.Add(time.Second), LoadedChunks: 100})
	// 100 chunks/s * 0.2
	if got := m.Snapshot().ChunksPerSecond; math.Abs(got-20) > 1e-9 {
		t.Fatalf("rate=%v want 20", got)
	}
	m.ObserveTick(TickStats{Tick: 4, At: t0.Add(2 * time.Second), LoadedChunks: 200})
	if got := m.Snapshot().ChunksPerSecond; math.Abs(got-36) > 1e-9 {
		t.Fatalf("rate=%v want 36", got)
	}
	if m.Snapshot().LoadedChunks != 200 || m.Snapshot().Tick != 4 {
		t.Fatalf("snapshot=%+v", m.Snapshot())
	}
}

func TestMonitorMeshSaturationAndCounters(t *testing.T) {
	m := NewMonitor(100)
	at := time.Unix(0, 0)
	m.ObserveTick(TickStats{Tick: 1, At: at, PendingMesh: 100, Throttled: true, Applied: 3})
	m.ObserveTick(TickStats{Tick: 2, At: at, PendingMesh: 100, Overrun: true, Applied: 4})
	s := m.Snapshot()
	if math.Abs(s.MeshSaturation-0.36) > 1e-9 {
		t.Fatalf("saturation=%v want 0.36", s.MeshSaturation)
	}
	if s.ThrottledTicks != 1 || s.OverrunTicks != 1 || s.AppliedTotal != 7 {
		t.Fatalf("counters=%+v", s)
	}
}

type countSink struct{ ticks []uint64 }

func (c *countSink) ObserveTick(s TickStats) { c.ticks = append(c.ticks, s.Tick) }

func TestMultiAndSampled(t *testing.T) {
	all, sampled := &countSink{}, &countSink{}
	sink := Multi{all, nil, Sampled{Every: 10, Next: sampled}}
	for i := uint64(1); i <= 25; i++ {
		sink.ObserveTick(TickStats{Tick: i, Overrun: i == 13})
	}
	if len(all.ticks) != 25 {
		t.Fatalf("all=%d", len(all.ticks))
	}
	want := []uint64{10, 13, 20}
	if len(sampled.ticks) != len(want) {
		t.Fatalf("sampled=%v want %v", sampled.ticks, want)
	}
	for i := range want {
		if sampled.ticks[i] != want[i] {
			t.Fatalf("sampled=%v want %v", sampled.ticks, want)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	var buf bytes.Buffer
	WritePrometheus(&buf, "main", Snapshot{Tick: 9, LoadedChunks: 42, OverrunTicks: 2})
	out := buf.String()
	for _, want := range []string{
		`voxelstream_tick{streamer="main"} 9`,
		`voxelstream_loaded_chunks{streamer="main"} 42`,
		`voxelstream_ticks_total{streamer="main",outcome="overrun"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
