package stream

import (
	"errors"
	"fmt"
	"math"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/terrain/chunk"
)

// MaxBrushRadius bounds a single Carve in world units.
const MaxBrushRadius = 64

var ErrInvalidEdit = errors.New("stream: invalid edit")

// Brush is a spherical density edit. Samples inside the sphere move by Delta
// scaled by a linear falloff from the centre; negative Delta digs.
type Brush struct {
	Center [3]float64
	Radius float64
	Delta  float32
}

func (b Brush) Validate() error {
	for _, v := range b.Center {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("center %v: %w", b.Center, ErrInvalidEdit)
		}
	}
	if !(b.Radius > 0) || b.Radius > MaxBrushRadius {
		return fmt.Errorf("radius %v outside (0,%d]: %w", b.Radius, MaxBrushRadius, ErrInvalidEdit)
	}
	if b.Delta == 0 || math.IsNaN(float64(b.Delta)) || math.IsInf(float64(b.Delta), 0) {
		return fmt.Errorf("delta %v: %w", b.Delta, ErrInvalidEdit)
	}
	return nil
}

// Touched lists, in x, y, z order, every chunk whose sample lattice
// intersects the brush bounds. Neighbours sharing a border sample are
// included so seams stay closed.
func (b Brush) Touched(d chunk.Dims) []chunk.Coord {
	e := float64(d.Edge)
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		// Chunk c covers samples [c*E, c*E+E].
		lo[i] = int(math.Ceil((b.Center[i] - b.Radius - e) / e))
		hi[i] = int(math.Floor((b.Center[i] + b.Radius) / e))
	}
	out := make([]chunk.Coord, 0, (hi[0]-lo[0]+1)*(hi[1]-lo[1]+1)*(hi[2]-lo[2]+1))
	for x := lo[0]; x <= hi[0]; x++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for z := lo[2]; z <= hi[2]; z++ {
				out = append(out, chunk.Coord{X: int32(x), Y: int32(y), Z: int32(z)})
			}
		}
	}
	return out
}

// Apply edits the field of chunk c in place and reports whether any sample
// moved.
func (b Brush) Apply(d chunk.Dims, c chunk.Coord, field []float32) bool {
	ox, oy, oz := d.Origin(c)
	p := d.Points()
	r2 := b.Radius * b.Radius
	changed := false
	for z := 0; z < p; z++ {
		dz := float64(oz+z) - b.Center[2]
		for y := 0; y < p; y++ {
			dy := float64(oy+y) - b.Center[1]
			for x := 0; x < p; x++ {
				dx := float64(ox+x) - b.Center[0]
				dist2 := dx*dx + dy*dy + dz*dz
				if dist2 >= r2 {
					continue
				}
				w := 1 - math.Sqrt(dist2)/b.Radius
				i := d.Index(x, y, z)
				v := mathx.Clamp01(field[i] + b.Delta*float32(w))
				if v != field[i] {
					field[i] = v
					changed = true
				}
			}
		}
	}
	return changed
}

// Carve applies b to every loaded chunk it touches through Modify and
// returns the coordinates that changed in x, y, z order. Chunks not loaded
// or still generating are skipped.
func (o *Orchestrator) Carve(b Brush) ([]chunk.Coord, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if o.store == nil {
		return nil, fmt.Errorf("no store: %w", ErrMissingCollaborator)
	}
	d := o.store.Dims()
	var changed []chunk.Coord
	for _, c := range b.Touched(d) {
		moved := false
		o.Modify(c, func(field []float32) {
			moved = b.Apply(d, c, field)
		})
		if moved {
			changed = append(changed, c)
		}
	}
	return changed, nil
}
