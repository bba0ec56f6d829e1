// Package metrics receives per-tick streamer statistics.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TickStats is reported once per orchestrator tick.
type TickStats struct {
	Tick uint64    `json:"tick"`
	At   time.Time `json:"at"`

	LoadedChunks int `json:"loaded_chunks"`
	PoolFree     int `json:"pool_free"`

	PendingGeneration int `json:"pending_generation"`
	PendingMesh       int `json:"pending_mesh"`
	Buffered          int `json:"buffered"`

	// Throttled is set when backpressure skipped scheduling this tick.
	Throttled bool `json:"throttled"`
	// Scheduled counts coordinates the last completed aux step queued for
	// generation; Discarded counts generation results that needed no mesh.
	Scheduled int `json:"scheduled"`
	Discarded int `json:"discarded"`
	Remeshed  int `json:"remeshed"`

	Applied int     `json:"applied"`
	ApplyMS float64 `json:"apply_ms"`
	SortMS  float64 `json:"sort_ms"`
	StepMS  float64 `json:"step_ms"`
	Overrun bool    `json:"overrun"`
}

type Sink interface {
	ObserveTick(s TickStats)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveTick(TickStats) {}

// Multi forwards to every non-nil sink.
type Multi []Sink

func (m Multi) ObserveTick(s TickStats) {
	for _, sink := range m {
		if sink != nil {
			sink.ObserveTick(s)
		}
	}
}

// Sampled forwards every Nth tick, plus every tick that overran or was
// throttled.
type Sampled struct {
	Every int
	Next  Sink
}

func (s Sampled) ObserveTick(st TickStats) {
	if s.Next == nil {
		return
	}
	if s.Every <= 1 || st.Tick%uint64(s.Every) == 0 || st.Overrun || st.Throttled {
		s.Next.ObserveTick(st)
	}
}

const (
	// emaAlpha weights the newest sample.
	emaAlpha = 0.2
	// rateInterval keeps the chunk rate readable.
	rateInterval = 500 * time.Millisecond
)

// Snapshot is the readable view served over HTTP.
type Snapshot struct {
	Tick              uint64  `json:"tick"`
	LoadedChunks      int     `json:"loaded_chunks"`
	ChunksPerSecond   float64 `json:"chunks_per_second"`
	MeshSaturation    float64 `json:"mesh_saturation"`
	PendingGeneration int     `json:"pending_generation"`
	PendingMesh       int     `json:"pending_mesh"`
	Buffered          int     `json:"buffered"`
	PoolFree          int     `json:"pool_free"`
	StepMS            float64 `json:"step_ms"`
	ThrottledTicks    uint64  `json:"throttled_ticks"`
	OverrunTicks      uint64  `json:"overrun_ticks"`
	AppliedTotal      uint64  `json:"applied_total"`
}

// Monitor keeps smoothed rates. MeshCapacity is the pending-mesh count that
// counts as fully saturated.
type Monitor struct {
	MeshCapacity int

	mu         sync.Mutex
	snap       Snapshot
	lastAt     time.Time
	lastLoaded int
}

func NewMonitor(meshCapacity int) *Monitor {
	return &Monitor{MeshCapacity: meshCapacity}
}

func (m *Monitor) ObserveTick(s TickStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	switch {
	case m.lastAt.IsZero():
		m.lastAt = at
		m.lastLoaded = s.LoadedChunks
	case at.Sub(m.lastAt) >= rateInterval:
		dt := at.Sub(m.lastAt).Seconds()
		rate := float64(s.LoadedChunks-m.lastLoaded) / dt
		m.snap.ChunksPerSecond = rate*emaAlpha + m.snap.ChunksPerSecond*(1-emaAlpha)
		m.lastAt = at
		m.lastLoaded = s.LoadedChunks
	}

	if m.MeshCapacity > 0 {
		sat := float64(s.PendingMesh) / float64(m.MeshCapacity)
		m.snap.MeshSaturation = sat*emaAlpha + m.snap.MeshSaturation*(1-emaAlpha)
	}

	m.snap.Tick = s.Tick
	m.snap.LoadedChunks = s.LoadedChunks
	m.snap.PendingGeneration = s.PendingGeneration
	m.snap.PendingMesh = s.PendingMesh
	m.snap.Buffered = s.Buffered
	m.snap.PoolFree = s.PoolFree
	m.snap.StepMS = s.StepMS
	m.snap.AppliedTotal += uint64(s.Applied)
	if s.Throttled {
		m.snap.ThrottledTicks++
	}
	if s.Overrun {
		m.snap.OverrunTicks++
	}
}

func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// WritePrometheus writes the snapshot in the text exposition format.
func WritePrometheus(w io.Writer, name string, s Snapshot) {
	gauge := func(metric, help string, format string, v any) {
		fmt.Fprintf(w, "# HELP voxelstream_%s %s\n", metric, help)
		fmt.Fprintf(w, "# TYPE voxelstream_%s gauge\n", metric)
		fmt.Fprintf(w, "voxelstream_%s{streamer=%q} "+format+"\n", metric, name, v)
	}
	gauge("tick", "Current orchestrator tick.", "%d", s.Tick)
	gauge("loaded_chunks", "Loaded chunk count.", "%d", s.LoadedChunks)
	gauge("chunks_per_second", "Smoothed chunk load rate.", "%.3f", s.ChunksPerSecond)
	gauge("mesh_saturation", "Smoothed pending mesh tasks over capacity.", "%.6f", s.MeshSaturation)
	gauge("pending_generation", "Queued generation tasks.", "%d", s.PendingGeneration)
	gauge("pending_mesh", "Queued meshing tasks.", "%d", s.PendingMesh)
	gauge("buffered_payloads", "Finished meshes waiting to be applied.", "%d", s.Buffered)
	gauge("pool_free", "Free pooled chunk entries.", "%d", s.PoolFree)
	gauge("step_ms", "Last tick duration in milliseconds.", "%.3f", s.StepMS)

	fmt.Fprintf(w, "# HELP voxelstream_ticks_total Ticks by outcome.\n")
	fmt.Fprintf(w, "# TYPE voxelstream_ticks_total counter\n")
	fmt.Fprintf(w, "voxelstream_ticks_total{streamer=%q,outcome=%q} %d\n", name, "throttled", s.ThrottledTicks)
	fmt.Fprintf(w, "voxelstream_ticks_total{streamer=%q,outcome=%q} %d\n", name, "overrun", s.OverrunTicks)
	fmt.Fprintf(w, "# HELP voxelstream_applied_total Mesh payloads applied to the scene.\n")
	fmt.Fprintf(w, "# TYPE voxelstream_applied_total counter\n")
	fmt.Fprintf(w, "voxelstream_applied_total{streamer=%q} %d\n", name, s.AppliedTotal)
}
