// Package scene holds the sinks that finished chunk geometry is applied to.
package scene

import (
	"sync"

	"voxelstream.ai/internal/terrain/chunk"
)

// Sink creates or replaces the geometry at a chunk. Apply is only called
// from the goroutine driving the orchestrator tick.
type Sink interface {
	Apply(c chunk.Coord, p chunk.MeshPayload)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c chunk.Coord, p chunk.MeshPayload)

func (f SinkFunc) Apply(c chunk.Coord, p chunk.MeshPayload) { f(c, p) }

// Memory keeps the latest payload per chunk. Empty payloads remove the chunk.
// Reads are safe from any goroutine.
type Memory struct {
	mu      sync.RWMutex
	meshes  map[chunk.Coord]chunk.MeshPayload
	applied int
}

func NewMemory() *Memory {
	return &Memory{meshes: map[chunk.Coord]chunk.MeshPayload{}}
}

func (m *Memory) Apply(c chunk.Coord, p chunk.MeshPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied++
	if p.Empty() {
		delete(m.meshes, c)
		return
	}
	m.meshes[c] = p
}

func (m *Memory) Get(c chunk.Coord) (chunk.MeshPayload, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.meshes[c]
	return p, ok
}

// Len is the number of chunks with geometry.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.meshes)
}

// Applied counts every Apply call, including removals.
func (m *Memory) Applied() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

// Coords lists chunks with geometry in no particular order.
func (m *Memory) Coords() []chunk.Coord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chunk.Coord, 0, len(m.meshes))
	for c := range m.meshes {
		out = append(out, c)
	}
	return out
}

// Fanout applies every payload to each sink in order.
type Fanout []Sink

func (f Fanout) Apply(c chunk.Coord, p chunk.MeshPayload) {
	for _, s := range f {
		if s != nil {
			s.Apply(c, p)
		}
	}
}
