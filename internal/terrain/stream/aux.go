package stream

import (
	"context"

	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/mesh"
)

// auxLoop runs one step per wake-up. Wake-ups sent while a step runs
// coalesce into one.
func (o *Orchestrator) auxLoop(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			o.auxStep()
		}
	}
}

// scheduleAux never blocks the ticking goroutine.
func (o *Orchestrator) scheduleAux() bool {
	select {
	case o.auxWake <- struct{}{}:
		return true
	default:
		return false
	}
}

// auxStep requests the next coordinates around the viewer, routes finished
// generation results to meshing and queues dirty chunks for a priority
// remesh.
func (o *Orchestrator) auxStep() {
	if coords := o.iter.NextBatch(o.cfg.BatchSize); len(coords) > 0 {
		o.inflight.startGeneration(coords)
		tasks := make([]gen.Task, 0, len(coords))
		for _, c := range coords {
			tasks = append(tasks, gen.Task{Entry: o.store.GetOrCreate(c)})
		}
		if err := o.gen.QueueBatch(tasks, false); err != nil {
			o.log.Printf("stream: queue generation: %v", err)
		} else {
			o.scheduled.Add(int64(len(tasks)))
		}
	}

	if results := o.gen.TakeResults(); len(results) > 0 {
		tasks := make([]mesh.Task, 0, len(results))
		for _, r := range results {
			if o.inflight.generated(r.Coord, r.Class.NeedsMesh()) {
				tasks = append(tasks, mesh.Task{Coord: r.Coord})
			}
		}
		o.discarded.Add(int64(len(results) - len(tasks)))
		o.queueMesh(tasks, false)
	}

	if dirty := o.store.DrainDirty(); len(dirty) > 0 {
		tasks := make([]mesh.Task, 0, len(dirty))
		for _, c := range dirty {
			if o.inflight.remesh(c) {
				tasks = append(tasks, mesh.Task{Coord: c})
			}
		}
		o.remeshed.Add(int64(len(tasks)))
		o.queueMesh(tasks, true)
	}
}

func (o *Orchestrator) queueMesh(tasks []mesh.Task, prioritise bool) {
	if len(tasks) == 0 {
		return
	}
	if err := o.mesh.QueueBatch(tasks, prioritise); err != nil {
		o.log.Printf("stream: queue meshing: %v", err)
	}
}
