package gen

import (
	"github.com/golang/groupcache/lru"

	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/workers"
)

// DefaultHeightCache is the per-goroutine number of cached height maps.
const DefaultHeightCache = 256

// Task asks for the field of an entry checked out by GetOrCreate. The entry
// is exclusively owned by the task until its Result is published.
type Task struct {
	Entry *chunk.Entry
}

type Result struct {
	Coord chunk.Coord
	Class chunk.Class
}

type column struct{ x, z int32 }

// Context is the per-goroutine generation state: a small LRU of height maps
// so vertically stacked chunks reuse the same noise evaluation. Evicted
// buffers are recycled for the next miss.
type Context struct {
	gen   *Generator
	cache *lru.Cache
	spare [][]float32

	Hits, Misses int
}

func NewContext(g *Generator, cacheSize int) *Context {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	c := &Context{gen: g, cache: lru.New(cacheSize)}
	c.cache.OnEvicted = func(_ lru.Key, v interface{}) {
		c.spare = append(c.spare, v.([]float32))
	}
	return c
}

func (c *Context) heights(cx, cz int32) []float32 {
	key := column{cx, cz}
	if v, ok := c.cache.Get(key); ok {
		c.Hits++
		return v.([]float32)
	}
	c.Misses++

	var data []float32
	if n := len(c.spare); n > 0 {
		data = c.spare[n-1]
		c.spare = c.spare[:n-1]
	} else {
		data = make([]float32, c.gen.HeightMapLen())
	}
	c.gen.HeightMap(cx, cz, data)
	// Add evicts the oldest map, never the one just inserted.
	c.cache.Add(key, data)
	return data
}

// Process fills the task's entry in place.
func (c *Context) Process(t Task) Result {
	e := t.Entry
	e.Class = c.gen.Fill(e.Coord, c.heights(e.Coord.X, e.Coord.Z), e.Field)
	return Result{Coord: e.Coord, Class: e.Class}
}

// Factory builds one Context per worker goroutine.
func Factory(g *Generator, cacheSize int) workers.Factory[Task, Result] {
	return func(int) (workers.Processor[Task, Result], error) {
		return NewContext(g, cacheSize), nil
	}
}
