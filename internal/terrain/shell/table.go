// Package shell enumerates chunk offsets outward from a center in shells of
// increasing distance.
package shell

import (
	"fmt"
	"sort"

	"voxelstream.ai/internal/terrain/chunk"
)

const (
	DefaultRadius           = 32
	DefaultFirstShellRadius = 3
)

// Range is the half-open offset range [Start, End) of one shell.
type Range struct {
	Start, End int
}

func (r Range) Len() int { return r.End - r.Start }

// Table is an immutable lookup of offsets sorted by squared distance and
// split into shells. Safe to share between iterators.
type Table struct {
	radius  int
	offsets []chunk.Coord
	dist    []int64
	shells  []Range
}

// NewTable builds every offset within radius. The first shell covers
// squared distances up to firstShellRadius²; each later shell begins at the
// first offset past the current shell radius and grows the radius by one.
func NewTable(radius, firstShellRadius int) (*Table, error) {
	if radius < 0 {
		return nil, fmt.Errorf("shell: negative radius %d", radius)
	}
	if firstShellRadius < 0 {
		return nil, fmt.Errorf("shell: negative first shell radius %d", firstShellRadius)
	}

	type item struct {
		c  chunk.Coord
		d2 int64
	}
	r := int32(radius)
	r2 := int64(radius) * int64(radius)
	var all []item
	for x := -r; x <= r; x++ {
		for y := -r; y <= r; y++ {
			for z := -r; z <= r; z++ {
				c := chunk.Coord{X: x, Y: y, Z: z}
				d2 := c.DistSq(chunk.Coord{})
				if d2 <= r2 {
					all = append(all, item{c: c, d2: d2})
				}
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].d2 < all[j].d2 })

	t := &Table{
		radius:  radius,
		offsets: make([]chunk.Coord, len(all)),
		dist:    make([]int64, len(all)),
	}
	shellRadius := int64(firstShellRadius)
	start := 0
	for i, it := range all {
		if it.d2 > shellRadius*shellRadius && it.d2 != 0 {
			if i > start {
				t.shells = append(t.shells, Range{Start: start, End: i})
			}
			start = i
			shellRadius++
		}
		t.offsets[i] = it.c
		t.dist[i] = it.d2
	}
	if len(all) > start {
		t.shells = append(t.shells, Range{Start: start, End: len(all)})
	}
	return t, nil
}

// MustTable is NewTable for constant arguments.
func MustTable(radius, firstShellRadius int) *Table {
	t, err := NewTable(radius, firstShellRadius)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Radius() int     { return t.radius }
func (t *Table) Len() int        { return len(t.offsets) }
func (t *Table) ShellCount() int { return len(t.shells) }
func (t *Table) Shell(i int) Range {
	return t.shells[i]
}

// Offset returns the i-th offset and its squared distance from the origin.
func (t *Table) Offset(i int) (chunk.Coord, int64) {
	return t.offsets[i], t.dist[i]
}
