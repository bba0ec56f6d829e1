package chunk

import (
	"fmt"

	"voxelstream.ai/internal/mathx"
)

// DefaultEdge is the production chunk edge in world units.
const DefaultEdge = 32

// Dims describes the sample grid of a chunk with a given edge length.
// A chunk of edge E carries (E+1)^3 samples so neighbouring chunks share
// their border samples.
type Dims struct {
	Edge int
}

func NewDims(edge int) (Dims, error) {
	if edge <= 0 {
		return Dims{}, fmt.Errorf("chunk edge must be positive, got %d", edge)
	}
	return Dims{Edge: edge}, nil
}

func (d Dims) Points() int { return d.Edge + 1 }
func (d Dims) Area() int   { return d.Points() * d.Points() }
func (d Dims) Volume() int { return d.Area() * d.Points() }

// Cells is the number of unit cells in a chunk (E^3).
func (d Dims) Cells() int { return d.Edge * d.Edge * d.Edge }

// MaxTriangles bounds extractor output: at most five triangles per cell.
func (d Dims) MaxTriangles() int { return d.Cells() * 5 }

// Index returns the field offset of sample (x,y,z); x varies fastest.
func (d Dims) Index(x, y, z int) int {
	p := d.Points()
	return x + y*p + z*p*p
}

// Origin is the world-space position of the chunk's first sample.
func (d Dims) Origin(c Coord) (x, y, z int) {
	return int(c.X) * d.Edge, int(c.Y) * d.Edge, int(c.Z) * d.Edge
}

// MaxCoord bounds chunk coordinates on each axis, leaving room to add
// neighbour and shell offsets without wrapping int32.
const MaxCoord = 1 << 30

// Contains reports whether a world-space position falls in a chunk within
// [-MaxCoord, MaxCoord) on every axis. Non-finite positions are outside.
func (d Dims) Contains(x, y, z float64) bool {
	limit := float64(MaxCoord) * float64(d.Edge)
	for _, v := range [3]float64{x, y, z} {
		if !(v >= -limit && v < limit) {
			return false
		}
	}
	return true
}

// ChunkAt returns the chunk containing a world-space position. The position
// must satisfy Contains.
func (d Dims) ChunkAt(x, y, z float64) Coord {
	return Coord{
		X: int32(mathx.FloorDiv(floorInt(x), d.Edge)),
		Y: int32(mathx.FloorDiv(floorInt(y), d.Edge)),
		Z: int32(mathx.FloorDiv(floorInt(z), d.Edge)),
	}
}

func floorInt(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}
