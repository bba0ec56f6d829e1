// Package viewer tracks the observer the terrain streams around.
package viewer

import (
	"math"
	"sync/atomic"

	"voxelstream.ai/internal/terrain/chunk"
)

// Source reports the chunk the observer currently stands in.
type Source interface {
	Chunk() chunk.Coord
}

// Fixed is a Source that never moves.
type Fixed chunk.Coord

func (f Fixed) Chunk() chunk.Coord { return chunk.Coord(f) }

// Position is a world-space position updated from any goroutine and read by
// the streamer.
type Position struct {
	dims    chunk.Dims
	x, y, z atomic.Uint64
	updates atomic.Int64
}

func NewPosition(dims chunk.Dims) *Position {
	return &Position{dims: dims}
}

// Set stores a new world position. Positions outside the chunk coordinate
// range, including non-finite ones, are ignored and reported as false.
func (p *Position) Set(x, y, z float64) bool {
	if !p.dims.Contains(x, y, z) {
		return false
	}
	p.x.Store(math.Float64bits(x))
	p.y.Store(math.Float64bits(y))
	p.z.Store(math.Float64bits(z))
	p.updates.Add(1)
	return true
}

func (p *Position) World() (x, y, z float64) {
	return math.Float64frombits(p.x.Load()), math.Float64frombits(p.y.Load()), math.Float64frombits(p.z.Load())
}

// Updates counts accepted Set calls.
func (p *Position) Updates() int64 { return p.updates.Load() }

func (p *Position) Chunk() chunk.Coord {
	return p.dims.ChunkAt(p.World())
}
