package stream

import (
	"sync"

	"voxelstream.ai/internal/terrain/chunk"
)

type track struct {
	generating bool
	meshes     int
}

// tracker follows scheduled chunks from generation until their last queued
// mesh comes back. Shared by the aux goroutine and the ticking goroutine.
type tracker struct {
	mu sync.Mutex
	m  map[chunk.Coord]track
}

func newTracker() *tracker {
	return &tracker{m: map[chunk.Coord]track{}}
}

func (t *tracker) startGeneration(cs []chunk.Coord) {
	t.mu.Lock()
	for _, c := range cs {
		t.m[c] = track{generating: true}
	}
	t.mu.Unlock()
}

// generated records a finished generation and reports whether a mesh should
// be queued.
func (t *tracker) generated(c chunk.Coord, needsMesh bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !needsMesh {
		delete(t.m, c)
		return false
	}
	t.m[c] = track{meshes: 1}
	return true
}

// remesh reports false for chunks still being generated; generation meshes
// those itself.
func (t *tracker) remesh(c chunk.Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := t.m[c]
	if tr.generating {
		return false
	}
	tr.meshes++
	t.m[c] = tr
	return true
}

func (t *tracker) meshed(c chunk.Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.m[c]
	if !ok {
		return
	}
	if tr.meshes--; tr.meshes <= 0 && !tr.generating {
		delete(t.m, c)
		return
	}
	t.m[c] = tr
}

func (t *tracker) isGenerating(c chunk.Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[c].generating
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// drain empties the tracker, splitting chunks whose field is not generated
// from those only waiting for geometry.
func (t *tracker) drain() (generating, meshing []chunk.Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c, tr := range t.m {
		if tr.generating {
			generating = append(generating, c)
		} else {
			meshing = append(meshing, c)
		}
	}
	clear(t.m)
	return generating, meshing
}
