// Package chunk holds the data model shared by the streaming pipeline.
package chunk

import (
	"fmt"

	"voxelstream.ai/internal/mathx"
)

// Coord identifies a chunk in grid space.
type Coord struct {
	X, Y, Z int32
}

func (c Coord) Add(o Coord) Coord {
	return Coord{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

func (c Coord) Sub(o Coord) Coord {
	return Coord{X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z}
}

// DistSq is the squared euclidean distance between two coordinates.
func (c Coord) DistSq(o Coord) int64 {
	dx := int64(c.X) - int64(o.X)
	dy := int64(c.Y) - int64(o.Y)
	dz := int64(c.Z) - int64(o.Z)
	return dx*dx + dy*dy + dz*dz
}

func (c Coord) Hash() uint64 {
	return mathx.CoordHash(c.X, c.Y, c.Z)
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Class is the surface classification of a generated field.
type Class uint8

const (
	// Empty: every sample is below the iso level (air).
	Empty Class = iota
	// Full: every sample is solid.
	Full
	// Mixed: the field crosses the surface and must be meshed.
	Mixed
)

func (c Class) String() string {
	switch c {
	case Empty:
		return "EMPTY"
	case Full:
		return "FULL"
	case Mixed:
		return "MIXED"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// NeedsMesh reports whether entries of this class carry a usable surface.
func (c Class) NeedsMesh() bool { return c == Mixed }

// Classify derives the class from the sum of clamped samples.
func Classify(field []float32) Class {
	var sum float32
	for _, v := range field {
		sum += mathx.Clamp01(v)
	}
	switch {
	case sum == 0:
		return Empty
	case sum == float32(len(field)):
		return Full
	default:
		return Mixed
	}
}

// Entry is one pooled chunk. It is mutable while owned by a generation task and
// read-only once published into a store.
type Entry struct {
	Coord Coord
	Field []float32
	Class Class
}

// MeshPayload is finished geometry for one chunk. Vertices and Normals hold
// xyz triples, three vertices per triangle.
type MeshPayload struct {
	Coord       Coord
	Vertices    []float32
	Normals     []float32
	VertexCount int
}

func (p MeshPayload) Empty() bool { return p.VertexCount == 0 }
