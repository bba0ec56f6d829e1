// Package stream drives chunk streaming around a viewer: it schedules field
// generation, routes surface chunks to meshing and applies finished geometry
// to the scene under a per-tick time budget.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/mesh"
	"voxelstream.ai/internal/terrain/scene"
	"voxelstream.ai/internal/terrain/shell"
	"voxelstream.ai/internal/terrain/store"
	"voxelstream.ai/internal/terrain/viewer"
	"voxelstream.ai/internal/terrain/workers"
)

var (
	ErrMissingCollaborator = errors.New("stream: missing collaborator")
	ErrLifecycle           = errors.New("stream: invalid lifecycle transition")
)

// Deps are the injected collaborators. Store and Table are built from the
// generator's dims when nil; Metrics and Log may be nil.
type Deps struct {
	Store     *store.Store
	Table     *shell.Table
	Generator *gen.Generator
	Extractor mesh.ExtractorFactory
	Viewer    viewer.Source
	Sink      scene.Sink
	Metrics   metrics.Sink
	Log       *log.Logger
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *log.Logger

	state     atomic.Int32
	lifecycle sync.Mutex
	allocated bool

	store *store.Store
	iter  *shell.Iterator
	gen   *workers.Pool[gen.Task, gen.Result]
	mesh  *workers.Pool[mesh.Task, mesh.Result]

	inflight *tracker
	// edits serializes Modify so read-modify-write edits are not lost.
	edits sync.Mutex

	auxWake   chan struct{}
	auxCancel context.CancelFunc
	auxDone   chan struct{}

	scheduled atomic.Int64
	discarded atomic.Int64
	remeshed  atomic.Int64

	tick atomic.Uint64
	// buffer is owned by the ticking goroutine.
	buffer   []chunk.MeshPayload
	buffered atomic.Int64
}

func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		store:    deps.Store,
		gen:      workers.New[gen.Task, gen.Result]("generation", logger),
		mesh:     workers.New[mesh.Task, mesh.Result]("meshing", logger),
		inflight: newTracker(),
	}
	if o.store == nil && deps.Generator != nil {
		o.store = store.New(deps.Generator.Dims())
	}
	if o.store != nil {
		table := deps.Table
		if table == nil {
			table = shell.MustTable(shell.DefaultRadius, shell.DefaultFirstShellRadius)
		}
		o.iter = shell.NewIterator(table, o.store, chunk.Coord{})
	}
	return o
}

func (o *Orchestrator) State() workers.State { return workers.State(o.state.Load()) }

// Store is nil only when neither a store nor a generator was injected.
func (o *Orchestrator) Store() *store.Store { return o.store }

func (o *Orchestrator) missing() error {
	var missing []string
	if o.deps.Viewer == nil {
		missing = append(missing, "viewer")
	}
	if o.deps.Sink == nil {
		missing = append(missing, "scene sink")
	}
	if o.deps.Generator == nil {
		missing = append(missing, "generator")
	}
	if o.deps.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%v not set: %w", missing, ErrMissingCollaborator)
}

// Init starts both worker pools and the aux goroutine. It is rejected unless
// the orchestrator is stopped and every collaborator is present.
func (o *Orchestrator) Init() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.State() != workers.Stopped {
		o.log.Printf("stream: init rejected in state %s", o.State())
		return fmt.Errorf("init in state %s: %w", o.State(), ErrLifecycle)
	}
	if err := o.missing(); err != nil {
		o.log.Printf("stream: %v", err)
		return err
	}
	if err := o.cfg.Validate(); err != nil {
		o.log.Printf("stream: invalid config: %v", err)
		return fmt.Errorf("stream: %w", err)
	}
	if sd, gd := o.store.Dims(), o.deps.Generator.Dims(); sd != gd {
		o.log.Printf("stream: store edge %d does not match generator edge %d", sd.Edge, gd.Edge)
		return fmt.Errorf("stream: store edge %d, generator edge %d", sd.Edge, gd.Edge)
	}

	if err := o.gen.Init(o.cfg.GenerationWorkers, gen.Factory(o.deps.Generator, o.cfg.HeightCache)); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := o.mesh.Init(o.cfg.MeshWorkers, mesh.Factory(o.store, o.deps.Extractor)); err != nil {
		_ = o.gen.Stop()
		return fmt.Errorf("stream: %w", err)
	}

	if !o.allocated {
		o.store.PreAllocatePerShard(o.cfg.PreallocPerShard)
		o.allocated = true
	}
	o.iter.Reset(o.deps.Viewer.Chunk())

	ctx, cancel := context.WithCancel(context.Background())
	o.auxWake = make(chan struct{}, 1)
	o.auxCancel = cancel
	o.auxDone = make(chan struct{})
	go o.auxLoop(ctx, o.auxWake, o.auxDone)

	o.state.Store(int32(workers.Ready))
	o.log.Printf("stream: ready (%d generation, %d meshing workers)", o.cfg.GenerationWorkers, o.cfg.MeshWorkers)
	return nil
}

// Stop ends the aux goroutine and both pools. Chunks whose generation never
// completed are unloaded so the next Init requests them again; generated
// chunks still waiting for a mesh are marked dirty. Call it from the ticking
// goroutine, or once that goroutine no longer ticks.
func (o *Orchestrator) Stop() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if !o.state.CompareAndSwap(int32(workers.Ready), int32(workers.Stopping)) {
		o.log.Printf("stream: stop rejected in state %s", o.State())
		return fmt.Errorf("stop in state %s: %w", o.State(), ErrLifecycle)
	}
	o.log.Printf("stream: stopping")

	o.auxCancel()
	<-o.auxDone

	err := errors.Join(o.mesh.Stop(), o.gen.Stop())

	o.collectMeshResults()
	for _, r := range o.gen.TakeResults() {
		o.inflight.generated(r.Coord, r.Class.NeedsMesh())
	}
	generating, meshing := o.inflight.drain()
	for _, c := range generating {
		o.store.Unload(c)
	}
	for _, c := range meshing {
		o.store.MarkDirty(c)
	}

	o.state.Store(int32(workers.Stopped))
	o.log.Printf("stream: stopped")
	return err
}

// UnloadAll clears the store and rewinds the iterator. Only allowed while
// stopped, when no task can hold a store entry.
func (o *Orchestrator) UnloadAll() error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	if o.State() != workers.Stopped {
		o.log.Printf("stream: unload all rejected in state %s", o.State())
		return fmt.Errorf("unload all in state %s: %w", o.State(), ErrLifecycle)
	}
	if o.store != nil {
		o.store.UnloadAll()
		o.store.DrainDirty()
	}
	if o.iter != nil && o.deps.Viewer != nil {
		o.iter.Reset(o.deps.Viewer.Chunk())
	}
	o.buffer = o.buffer[:0]
	o.buffered.Store(0)
	return nil
}

// Modify edits the stored field of c through fn, reclassifies it and marks
// it dirty so it is remeshed with priority. It returns false when c is not
// loaded or is still being generated. Safe to call from any goroutine.
func (o *Orchestrator) Modify(c chunk.Coord, fn func(field []float32)) bool {
	if o.store == nil {
		return false
	}
	o.edits.Lock()
	defer o.edits.Unlock()
	if o.inflight.isGenerating(c) {
		return false
	}
	e, ok := o.store.Snapshot(c, nil)
	if !ok {
		return false
	}
	fn(e.Field)
	if err := o.store.Update(c, e.Field, chunk.Classify(e.Field), true); err != nil {
		o.log.Printf("stream: modify: %v", err)
		return false
	}
	return true
}

// Run ticks every interval until ctx is done, then stops.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := o.Stop(); err != nil && !errors.Is(err, ErrLifecycle) {
				o.log.Printf("stream: stop: %v", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

type Stats struct {
	State             string `json:"state"`
	Tick              uint64 `json:"tick"`
	LoadedChunks      int    `json:"loaded_chunks"`
	PoolFree          int    `json:"pool_free"`
	PendingGeneration int    `json:"pending_generation"`
	PendingMesh       int    `json:"pending_mesh"`
	Buffered          int    `json:"buffered"`
	InFlight          int    `json:"in_flight"`
	Center            [3]int `json:"center"`
}

// Stats is safe to call from any goroutine.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		State:             o.State().String(),
		Tick:              o.tick.Load(),
		PendingGeneration: o.gen.TaskCount(),
		PendingMesh:       o.mesh.TaskCount(),
		Buffered:          int(o.buffered.Load()),
	}
	if o.store != nil {
		s.LoadedChunks = o.store.LoadedCount()
		s.PoolFree = o.store.PoolCount()
	}
	if o.iter != nil {
		c := o.iter.Center()
		s.Center = [3]int{int(c.X), int(c.Y), int(c.Z)}
	}
	s.InFlight = o.inflight.len()
	return s
}
