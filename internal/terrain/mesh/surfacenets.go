// Package mesh turns chunk fields into triangle geometry.
package mesh

import (
	"math"

	"voxelstream.ai/internal/terrain/chunk"
)

// DefaultIso is the field value separating solid (>= iso) from air.
const DefaultIso = 0.5

// Extractor converts one field into a payload. Implementations are not safe
// for concurrent use; each meshing goroutine owns one.
type Extractor interface {
	Extract(c chunk.Coord, field []float32) chunk.MeshPayload
}

// ExtractorFactory builds the extractor for one meshing goroutine.
type ExtractorFactory func() (Extractor, error)

// SurfaceNets places one vertex per surface cell at the mean of its edge
// crossings and joins the cells around every sign-changing edge with a quad.
// Vertices are chunk-local. Output is capped at dims.MaxTriangles().
type SurfaceNets struct {
	dims  chunk.Dims
	iso   float32
	limit int

	// cell vertex index per cell, -1 when the cell has no vertex.
	cellVert []int32
	verts    [][3]float32
}

func NewSurfaceNets(dims chunk.Dims, iso float32) *SurfaceNets {
	return &SurfaceNets{
		dims:     dims,
		iso:      iso,
		limit:    dims.MaxTriangles(),
		cellVert: make([]int32, dims.Cells()),
	}
}

// SurfaceNetsFactory returns a factory of independent extractors.
func SurfaceNetsFactory(dims chunk.Dims, iso float32) ExtractorFactory {
	return func() (Extractor, error) { return NewSurfaceNets(dims, iso), nil }
}

var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

// cubeEdges are corner index pairs.
var cubeEdges = [12][2]int{
	{0, 1}, {2, 3}, {4, 5}, {6, 7},
	{0, 2}, {1, 3}, {4, 6}, {5, 7},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

func (s *SurfaceNets) cellIndex(x, y, z int) int {
	e := s.dims.Edge
	return x + y*e + z*e*e
}

func (s *SurfaceNets) Extract(c chunk.Coord, field []float32) chunk.MeshPayload {
	out := chunk.MeshPayload{Coord: c}
	if len(field) != s.dims.Volume() {
		return out
	}
	s.placeVertices(field)
	if len(s.verts) == 0 {
		return out
	}

	e := s.dims.Edge
	tris := 0
	var p [3]int
	for d := 0; d < 3 && tris < s.limit; d++ {
		u, v := (d+1)%3, (d+2)%3
		for p[2] = 0; p[2] <= e; p[2]++ {
			for p[1] = 0; p[1] <= e; p[1]++ {
				for p[0] = 0; p[0] <= e; p[0]++ {
					if p[d] >= e || p[u] < 1 || p[v] < 1 || p[u] >= e || p[v] >= e {
						continue
					}
					a := field[s.dims.Index(p[0], p[1], p[2])] >= s.iso
					q := p
					q[d]++
					b := field[s.dims.Index(q[0], q[1], q[2])] >= s.iso
					if a == b {
						continue
					}
					var quad [4][3]float32
					for i, off := range [4][2]int{{-1, -1}, {0, -1}, {0, 0}, {-1, 0}} {
						cell := p
						cell[u] += off[0]
						cell[v] += off[1]
						quad[i] = s.verts[s.cellVert[s.cellIndex(cell[0], cell[1], cell[2])]]
					}
					if !a {
						quad[1], quad[3] = quad[3], quad[1]
					}
					normal := axis(d, a)
					for _, tri := range [2][3]int{{0, 1, 2}, {0, 2, 3}} {
						if tris >= s.limit {
							break
						}
						appendTriangle(&out, quad[tri[0]], quad[tri[1]], quad[tri[2]], normal)
						tris++
					}
				}
			}
		}
	}
	out.VertexCount = len(out.Vertices) / 3
	return out
}

func (s *SurfaceNets) placeVertices(field []float32) {
	s.verts = s.verts[:0]
	e := s.dims.Edge
	for z := 0; z < e; z++ {
		for y := 0; y < e; y++ {
			for x := 0; x < e; x++ {
				var vals [8]float32
				mask := 0
				for i, cc := range cubeCorners {
					vals[i] = field[s.dims.Index(x+cc[0], y+cc[1], z+cc[2])]
					if vals[i] >= s.iso {
						mask |= 1 << i
					}
				}
				ci := s.cellIndex(x, y, z)
				if mask == 0 || mask == 0xff {
					s.cellVert[ci] = -1
					continue
				}
				var sum [3]float32
				n := 0
				for _, edge := range cubeEdges {
					va, vb := vals[edge[0]], vals[edge[1]]
					if (va >= s.iso) == (vb >= s.iso) {
						continue
					}
					t := (s.iso - va) / (vb - va)
					ca, cb := cubeCorners[edge[0]], cubeCorners[edge[1]]
					for k := 0; k < 3; k++ {
						sum[k] += float32(ca[k]) + t*float32(cb[k]-ca[k])
					}
					n++
				}
				s.cellVert[ci] = int32(len(s.verts))
				s.verts = append(s.verts, [3]float32{
					float32(x) + sum[0]/float32(n),
					float32(y) + sum[1]/float32(n),
					float32(z) + sum[2]/float32(n),
				})
			}
		}
	}
}

// axis is the fallback normal for degenerate triangles: from solid to air
// along axis d.
func axis(d int, solidFirst bool) [3]float32 {
	var n [3]float32
	if solidFirst {
		n[d] = 1
	} else {
		n[d] = -1
	}
	return n
}

func appendTriangle(out *chunk.MeshPayload, a, b, c, fallback [3]float32) {
	n := faceNormal(a, b, c)
	if n == ([3]float32{}) {
		n = fallback
	}
	for _, v := range [3][3]float32{a, b, c} {
		out.Vertices = append(out.Vertices, v[0], v[1], v[2])
		out.Normals = append(out.Normals, n[0], n[1], n[2])
	}
}

func faceNormal(a, b, c [3]float32) [3]float32 {
	u := [3]float32{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := [3]float32{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := [3]float32{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	l := float32(math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])))
	if l == 0 {
		return [3]float32{}
	}
	return [3]float32{n[0] / l, n[1] / l, n[2] / l}
}
