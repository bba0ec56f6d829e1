package mesh

import (
	"fmt"

	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/workers"
)

// Source is the read side of the chunk store.
type Source interface {
	Snapshot(c chunk.Coord, dst []float32) (chunk.Entry, bool)
}

type Task struct {
	Coord chunk.Coord
}

// Result carries the payload, or Missing when the chunk was unloaded before
// the task ran.
type Result struct {
	Payload chunk.MeshPayload
	Missing bool
}

// Context copies the field out of the store under the shard read lock and
// extracts from its own scratch buffer, so no store lock is held during
// extraction.
type Context struct {
	src     Source
	ex      Extractor
	scratch []float32
}

func NewContext(src Source, ex Extractor) *Context {
	return &Context{src: src, ex: ex}
}

func (c *Context) Process(t Task) Result {
	e, ok := c.src.Snapshot(t.Coord, c.scratch)
	if !ok {
		return Result{Payload: chunk.MeshPayload{Coord: t.Coord}, Missing: true}
	}
	c.scratch = e.Field
	return Result{Payload: c.ex.Extract(t.Coord, e.Field)}
}

// Factory builds one Context per meshing goroutine, each with its own
// extractor.
func Factory(src Source, newExtractor ExtractorFactory) workers.Factory[Task, Result] {
	return func(worker int) (workers.Processor[Task, Result], error) {
		ex, err := newExtractor()
		if err != nil {
			return nil, fmt.Errorf("mesh worker %d: %w", worker, err)
		}
		return NewContext(src, ex), nil
	}
}
