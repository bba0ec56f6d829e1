package stream

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/mesh"
	"voxelstream.ai/internal/terrain/scene"
	"voxelstream.ai/internal/terrain/shell"
	"voxelstream.ai/internal/terrain/store"
	"voxelstream.ai/internal/terrain/viewer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testEdge = 8

type recorder struct {
	mu      sync.Mutex
	applied []chunk.Coord
	stats   []metrics.TickStats
}

func (r *recorder) Apply(c chunk.Coord, _ chunk.MeshPayload) {
	r.mu.Lock()
	r.applied = append(r.applied, c)
	r.mu.Unlock()
}

func (r *recorder) ObserveTick(s metrics.TickStats) {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
}

func (r *recorder) lastStats() metrics.TickStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats[len(r.stats)-1]
}

func (r *recorder) appliedSet() map[chunk.Coord]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[chunk.Coord]bool{}
	for _, c := range r.applied {
		out[c] = true
	}
	return out
}

type fixture struct {
	o     *Orchestrator
	gen   *gen.Generator
	store *store.Store
	table *shell.Table
	mem   *scene.Memory
	rec   *recorder
}

// surfaceCenter is the chunk holding the terrain surface above the origin.
func surfaceCenter(g *gen.Generator) chunk.Coord {
	heights := make([]float32, g.HeightMapLen())
	g.HeightMap(0, 0, heights)
	h := int(math.Floor(float64(heights[0])))
	return chunk.Coord{Y: int32(mathx.FloorDiv(h, testEdge))}
}

func newFixture(t *testing.T, cfg Config, ex mesh.ExtractorFactory) *fixture {
	t.Helper()
	dims, err := chunk.NewDims(testEdge)
	if err != nil {
		t.Fatalf("dims: %v", err)
	}
	g, err := gen.New(gen.DefaultConfig(), dims)
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	if ex == nil {
		ex = mesh.SurfaceNetsFactory(dims, mesh.DefaultIso)
	}
	f := &fixture{
		gen:   g,
		store: store.New(dims),
		table: shell.MustTable(2, 1),
		mem:   scene.NewMemory(),
		rec:   &recorder{},
	}
	f.o = New(cfg, Deps{
		Store:     f.store,
		Table:     f.table,
		Generator: g,
		Extractor: ex,
		Viewer:    viewer.Fixed(surfaceCenter(g)),
		Sink:      scene.Fanout{f.mem, f.rec},
		Metrics:   f.rec,
	})
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GenerationWorkers = 3
	cfg.PreallocPerShard = 4
	cfg.ApplyBudget = 50 * time.Millisecond
	return cfg
}

func tickUntil(t *testing.T, o *Orchestrator, what string, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %+v", what, o.Stats())
		}
		if err := o.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) settled() bool {
	return f.o.iter.Exhausted() && f.o.inflight.len() == 0 && len(f.o.buffer) == 0 &&
		f.o.gen.TaskCount() == 0 && f.o.mesh.TaskCount() == 0 && f.store.DirtyCount() == 0
}

func (f *fixture) mixed() map[chunk.Coord]bool {
	out := map[chunk.Coord]bool{}
	center := surfaceCenter(f.gen)
	for i := 0; i < f.table.Len(); i++ {
		off, _ := f.table.Offset(i)
		c := center.Add(off)
		f.store.Read(c, func(e *chunk.Entry) {
			if e.Class == chunk.Mixed {
				out[c] = true
			}
		})
	}
	return out
}

func TestInitRequiresCollaborators(t *testing.T) {
	o := New(DefaultConfig(), Deps{})
	err := o.Init()
	if !errors.Is(err, ErrMissingCollaborator) {
		t.Fatalf("err=%v want ErrMissingCollaborator", err)
	}
	if o.State().String() != "STOPPED" {
		t.Fatalf("state=%s after failed init", o.State())
	}
	if err := o.Tick(context.Background()); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("tick before init: err=%v", err)
	}
	if o.Modify(chunk.Coord{}, func([]float32) {}) {
		t.Fatalf("modify without store should fail")
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	f := newFixture(t, cfg, nil)
	if err := f.o.Init(); err == nil {
		t.Fatalf("expected config error")
	}
	if f.o.gen.State().String() != "STOPPED" {
		t.Fatalf("generation pool started despite config error")
	}
}

func TestLifecycleMisuse(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Stop(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("stop before init: err=%v", err)
	}
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.o.Init(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("second init: err=%v", err)
	}
	if err := f.o.UnloadAll(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("unload all while ready: err=%v", err)
	}
	if err := f.o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStreamsEveryChunkAndMeshesSurfaces(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer f.o.Stop()

	tickUntil(t, f.o, "all chunks streamed", f.settled)

	if got := f.store.LoadedCount(); got != f.table.Len() {
		t.Fatalf("loaded=%d want %d", got, f.table.Len())
	}
	mixed := f.mixed()
	if len(mixed) == 0 {
		t.Fatalf("no surface chunks around the surface center")
	}
	if diff := cmp.Diff(mixed, f.rec.appliedSet()); diff != "" {
		t.Fatalf("applied set differs from surface chunks (-want +got):\n%s", diff)
	}
	for c := range f.rec.appliedSet() {
		if p, ok := f.mem.Get(c); ok && p.Coord != c {
			t.Fatalf("payload for %v carries coord %v", c, p.Coord)
		}
	}
	if s := f.o.Stats(); s.LoadedChunks != f.table.Len() || s.InFlight != 0 || s.Buffered != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestModifyRemeshesWithPriority(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer f.o.Stop()
	tickUntil(t, f.o, "initial stream", f.settled)

	var target chunk.Coord
	for c := range f.mixed() {
		target = c
		break
	}
	before := len(f.rec.applied)
	ok := f.o.Modify(target, func(field []float32) {
		for i := range field {
			field[i] = 0
		}
	})
	if !ok {
		t.Fatalf("modify of loaded chunk %v failed", target)
	}
	tickUntil(t, f.o, "remesh", func() bool { return f.settled() && len(f.rec.applied) > before })

	if _, ok := f.mem.Get(target); ok {
		t.Fatalf("emptied chunk still has geometry")
	}
	f.store.Read(target, func(e *chunk.Entry) {
		if e.Class != chunk.Empty {
			t.Fatalf("class=%s want EMPTY", e.Class)
		}
	})
	if f.o.Modify(chunk.Coord{X: 1000}, func([]float32) {}) {
		t.Fatalf("modify of unloaded chunk should fail")
	}
}

type gatedExtractor struct {
	inner mesh.Extractor
	gate  <-chan struct{}
}

func (g gatedExtractor) Extract(c chunk.Coord, field []float32) chunk.MeshPayload {
	<-g.gate
	return g.inner.Extract(c, field)
}

func TestBackpressureSkipsScheduling(t *testing.T) {
	gate := make(chan struct{})
	dims, _ := chunk.NewDims(testEdge)
	cfg := testConfig()
	cfg.MaxPendingMesh = 10
	f := newFixture(t, cfg, func() (mesh.Extractor, error) {
		return gatedExtractor{inner: mesh.NewSurfaceNets(dims, mesh.DefaultIso), gate: gate}, nil
	})

	// Far away dirty chunks give the meshing pool a backlog.
	field := make([]float32, dims.Volume())
	for i := 0; i < 200; i++ {
		f.store.Update(chunk.Coord{X: 1000 + int32(i)}, field, chunk.Empty, true)
	}
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	release := sync.OnceFunc(func() { close(gate) })
	defer f.o.Stop()
	defer release()

	tickUntil(t, f.o, "throttling", func() bool {
		return len(f.rec.stats) > 0 && f.rec.lastStats().Throttled
	})
	time.Sleep(20 * time.Millisecond)
	loaded := f.store.LoadedCount()
	for i := 0; i < 5; i++ {
		if err := f.o.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if !f.rec.lastStats().Throttled {
			t.Fatalf("tick %d not throttled with mesh backlog %d", i, f.o.mesh.TaskCount())
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.store.LoadedCount(); got != loaded {
		t.Fatalf("loaded changed while throttled: %d -> %d", loaded, got)
	}

	release()
	tickUntil(t, f.o, "backlog drained", f.settled)
	if got := f.store.LoadedCount(); got != 200+f.table.Len() {
		t.Fatalf("loaded=%d want %d", got, 200+f.table.Len())
	}
	applied := f.rec.appliedSet()
	for i := 0; i < 200; i++ {
		if !applied[chunk.Coord{X: 1000 + int32(i)}] {
			t.Fatalf("dirty chunk %d never remeshed", i)
		}
	}
}

func TestStopUnloadAllAndRestart(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	tickUntil(t, f.o, "first stream", f.settled)
	if err := f.o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.o.UnloadAll(); err != nil {
		t.Fatalf("unload all: %v", err)
	}
	if f.store.LoadedCount() != 0 {
		t.Fatalf("loaded=%d after unload all", f.store.LoadedCount())
	}
	if err := f.o.Init(); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	defer f.o.Stop()
	tickUntil(t, f.o, "second stream", f.settled)
	if f.store.LoadedCount() != f.table.Len() {
		t.Fatalf("loaded=%d after restart", f.store.LoadedCount())
	}
}

func TestStopMidStreamLeavesNoHalfGeneratedChunks(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.o.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := f.o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := f.o.inflight.len(); n != 0 {
		t.Fatalf("in flight=%d after stop", n)
	}
	// Whatever stayed loaded was generated; restart finishes the rest.
	if err := f.o.Init(); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	defer f.o.Stop()
	tickUntil(t, f.o, "resumed stream", f.settled)
	mixed := f.mixed()
	applied := f.rec.appliedSet()
	for c := range mixed {
		if !applied[c] {
			t.Fatalf("surface chunk %v never meshed after restart", c)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	if err := f.o.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx, time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
	if f.o.State().String() != "STOPPED" {
		t.Fatalf("state=%s after run", f.o.State())
	}
}

func TestSortNearestPutsClosestLast(t *testing.T) {
	center := chunk.Coord{X: 5}
	var buf []chunk.MeshPayload
	for _, x := range []int32{0, 9, 5, 1, 7, 4, 20, 6} {
		buf = append(buf, chunk.MeshPayload{Coord: chunk.Coord{X: x}})
	}
	sortNearest(buf, center, 3)
	var tail []int32
	for i := len(buf) - 1; i >= len(buf)-3; i-- {
		tail = append(tail, buf[i].Coord.X)
	}
	// 5 is nearest, then 4 and 6 tie at distance 1.
	if tail[0] != 5 {
		t.Fatalf("tail=%v want 5 first", tail)
	}
	if diff := cmp.Diff([]int32{4, 6}, tail[1:], cmpopts.SortSlices(func(a, b int32) bool { return a < b })); diff != "" {
		t.Fatalf("next nearest mismatch:\n%s", diff)
	}
	if len(buf) != 8 {
		t.Fatalf("buffer length changed")
	}
	sortNearest(nil, center, 10)
}

func TestTracker(t *testing.T) {
	tr := newTracker()
	a, b, c := chunk.Coord{X: 1}, chunk.Coord{X: 2}, chunk.Coord{X: 3}
	tr.startGeneration([]chunk.Coord{a, b, c})
	if !tr.isGenerating(a) || tr.remesh(a) {
		t.Fatalf("generating chunk must not be remeshed")
	}
	if tr.generated(a, false) {
		t.Fatalf("empty chunk should not be meshed")
	}
	if !tr.generated(b, true) {
		t.Fatalf("surface chunk should be meshed")
	}
	if !tr.remesh(b) {
		t.Fatalf("remesh of meshing chunk rejected")
	}
	tr.meshed(b)
	if tr.len() != 2 {
		t.Fatalf("len=%d want 2 (b has one mesh outstanding, c generating)", tr.len())
	}
	generating, meshing := tr.drain()
	if len(generating) != 1 || generating[0] != c || len(meshing) != 1 || meshing[0] != b {
		t.Fatalf("drain=%v %v", generating, meshing)
	}
	if tr.len() != 0 {
		t.Fatalf("tracker not empty after drain")
	}
}
