package mesh

import (
	"errors"
	"math"
	"testing"

	"voxelstream.ai/internal/terrain/chunk"
)

func planeField(dims chunk.Dims, height float32) []float32 {
	field := make([]float32, dims.Volume())
	p := dims.Points()
	for z := 0; z < p; z++ {
		for y := 0; y < p; y++ {
			for x := 0; x < p; x++ {
				v := height - float32(y)
				field[dims.Index(x, y, z)] = min(max(v, 0), 1)
			}
		}
	}
	return field
}

func mustDims(t *testing.T, edge int) chunk.Dims {
	t.Helper()
	d, err := chunk.NewDims(edge)
	if err != nil {
		t.Fatalf("dims: %v", err)
	}
	return d
}

func TestUniformFieldsProduceNothing(t *testing.T) {
	dims := mustDims(t, 8)
	ex := NewSurfaceNets(dims, DefaultIso)
	for _, v := range []float32{0, 1} {
		field := make([]float32, dims.Volume())
		for i := range field {
			field[i] = v
		}
		if p := ex.Extract(chunk.Coord{}, field); !p.Empty() || len(p.Vertices) != 0 {
			t.Fatalf("uniform %v field produced %d vertices", v, p.VertexCount)
		}
	}
}

func TestFlatPlane(t *testing.T) {
	dims := mustDims(t, 8)
	ex := NewSurfaceNets(dims, DefaultIso)
	c := chunk.Coord{X: 2, Y: 0, Z: -1}
	p := ex.Extract(c, planeField(dims, 3.75))

	if p.Coord != c {
		t.Fatalf("coord=%v want %v", p.Coord, c)
	}
	// One quad per interior vertical edge: 7x7 quads, two triangles each.
	if p.VertexCount != 7*7*2*3 {
		t.Fatalf("vertex count=%d want %d", p.VertexCount, 7*7*2*3)
	}
	if len(p.Vertices) != p.VertexCount*3 || len(p.Normals) != len(p.Vertices) {
		t.Fatalf("vertices=%d normals=%d", len(p.Vertices), len(p.Normals))
	}
	for i := 0; i < p.VertexCount; i++ {
		if y := p.Vertices[i*3+1]; math.Abs(float64(y)-(3+1.0/3)) > 1e-4 {
			t.Fatalf("vertex %d y=%v", i, y)
		}
		nx, ny, nz := p.Normals[i*3], p.Normals[i*3+1], p.Normals[i*3+2]
		if nx != 0 || nz != 0 || math.Abs(float64(ny)-1) > 1e-6 {
			t.Fatalf("normal %d = (%v,%v,%v) want +Y", i, nx, ny, nz)
		}
	}
}

func TestTriangleLimit(t *testing.T) {
	dims := mustDims(t, 8)
	ex := NewSurfaceNets(dims, DefaultIso)
	ex.limit = 10
	p := ex.Extract(chunk.Coord{}, planeField(dims, 3.75))
	if p.VertexCount != 30 {
		t.Fatalf("vertex count=%d want 30", p.VertexCount)
	}
}

func TestWrongFieldLength(t *testing.T) {
	dims := mustDims(t, 8)
	p := NewSurfaceNets(dims, DefaultIso).Extract(chunk.Coord{}, make([]float32, 3))
	if !p.Empty() {
		t.Fatalf("expected empty payload")
	}
}

type mapSource map[chunk.Coord][]float32

func (m mapSource) Snapshot(c chunk.Coord, dst []float32) (chunk.Entry, bool) {
	f, ok := m[c]
	if !ok {
		return chunk.Entry{}, false
	}
	if cap(dst) < len(f) {
		dst = make([]float32, len(f))
	}
	dst = dst[:len(f)]
	copy(dst, f)
	return chunk.Entry{Coord: c, Field: dst, Class: chunk.Classify(f)}, true
}

func TestContextSkipsMissingAndReusesScratch(t *testing.T) {
	dims := mustDims(t, 8)
	have := chunk.Coord{Y: 1}
	src := mapSource{have: planeField(dims, 3.75)}
	ctx := NewContext(src, NewSurfaceNets(dims, DefaultIso))

	res := ctx.Process(Task{Coord: chunk.Coord{X: 5}})
	if !res.Missing || res.Payload.Coord != (chunk.Coord{X: 5}) {
		t.Fatalf("missing chunk result=%+v", res)
	}

	res = ctx.Process(Task{Coord: have})
	if res.Missing || res.Payload.Empty() {
		t.Fatalf("expected geometry, got %+v", res)
	}
	scratch := &ctx.scratch[0]
	ctx.Process(Task{Coord: have})
	if &ctx.scratch[0] != scratch {
		t.Fatalf("scratch buffer was reallocated")
	}
}

func TestFactoryPropagatesExtractorError(t *testing.T) {
	boom := errors.New("no backend")
	f := Factory(mapSource{}, func() (Extractor, error) { return nil, boom })
	if _, err := f(3); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
}
