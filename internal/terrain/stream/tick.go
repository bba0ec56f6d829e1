package stream

import (
	"context"
	"fmt"
	"time"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/workers"
)

// Tick runs one frame on the owning goroutine: follow the viewer, schedule
// the aux step unless a pool is saturated, then apply buffered geometry,
// nearest first, until the apply budget is spent. Leftovers carry over.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if o.State() != workers.Ready {
		o.log.Printf("stream: tick rejected in state %s", o.State())
		return fmt.Errorf("tick in state %s: %w", o.State(), ErrLifecycle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	stats := metrics.TickStats{Tick: o.tick.Add(1), At: started}

	center := o.deps.Viewer.Chunk()
	if center != o.iter.Center() {
		// Skipped while the aux step holds the cursor; retried next tick.
		o.iter.TryReset(center)
	}

	pendingGen, pendingMesh := o.gen.TaskCount(), o.mesh.TaskCount()
	if pendingMesh > o.cfg.MaxPendingMesh || pendingGen > o.cfg.MaxPendingGeneration {
		stats.Throttled = true
	} else {
		o.scheduleAux()
	}

	applyStart := time.Now()
	if o.collectMeshResults() > 0 {
		sortNearest(o.buffer, center, o.cfg.SortNearest)
		if d := time.Since(applyStart); d > o.cfg.ApplyBudget {
			o.log.Printf("stream: warning: sorting %d mesh payloads took %s", len(o.buffer), d)
			stats.Overrun = true
		}
		stats.SortMS = msSince(applyStart)
	}

	for len(o.buffer) > 0 {
		if time.Since(applyStart) > o.cfg.ApplyBudget || ctx.Err() != nil {
			break
		}
		last := len(o.buffer) - 1
		p := o.buffer[last]
		o.buffer[last] = chunk.MeshPayload{}
		o.buffer = o.buffer[:last]

		t0 := time.Now()
		o.deps.Sink.Apply(p.Coord, p)
		if d := time.Since(t0); d > o.cfg.ApplyBudget {
			o.log.Printf("stream: warning: applying %s took %s", p.Coord, d)
			stats.Overrun = true
		}
		stats.Applied++
	}
	o.buffered.Store(int64(len(o.buffer)))
	stats.ApplyMS = msSince(applyStart)

	stats.LoadedChunks = o.store.LoadedCount()
	stats.PoolFree = o.store.PoolCount()
	stats.PendingGeneration = pendingGen
	stats.PendingMesh = pendingMesh
	stats.Buffered = len(o.buffer)
	stats.Scheduled = int(o.scheduled.Swap(0))
	stats.Discarded = int(o.discarded.Swap(0))
	stats.Remeshed = int(o.remeshed.Swap(0))
	stats.StepMS = msSince(started)
	o.deps.Metrics.ObserveTick(stats)
	return nil
}

// collectMeshResults moves finished meshes into the apply buffer and returns
// how many were added. Results for chunks unloaded in the meantime are
// dropped.
func (o *Orchestrator) collectMeshResults() int {
	added := 0
	for _, r := range o.mesh.TakeResults() {
		o.inflight.meshed(r.Payload.Coord)
		if r.Missing {
			continue
		}
		o.buffer = append(o.buffer, r.Payload)
		added++
	}
	o.buffered.Store(int64(len(o.buffer)))
	return added
}

// sortNearest moves the k payloads closest to center to the end of buf, the
// closest last. The rest of buf is left in arbitrary order.
func sortNearest(buf []chunk.MeshPayload, center chunk.Coord, k int) {
	n := len(buf)
	k = min(k, n)
	for i := 0; i < k; i++ {
		end := n - i
		best := 0
		bestD := buf[0].Coord.DistSq(center)
		for j := 1; j < end; j++ {
			if d := buf[j].Coord.DistSq(center); d < bestD {
				best, bestD = j, d
			}
		}
		buf[best], buf[end-1] = buf[end-1], buf[best]
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
