package shell

import (
	"sync"
	"testing"
	"time"

	"voxelstream.ai/internal/terrain/chunk"
)

func TestTableShells(t *testing.T) {
	cases := []struct {
		radius, first int
		total         int
		shellLens     []int
	}{
		{radius: 5, first: 3, total: 515, shellLens: []int{123, 134, 258}},
		{radius: 4, first: 1, total: 257, shellLens: []int{7, 26, 90, 134}},
		{radius: 0, first: 3, total: 1, shellLens: []int{1}},
	}
	for _, tc := range cases {
		tab := MustTable(tc.radius, tc.first)
		if tab.Len() != tc.total {
			t.Fatalf("radius=%d: len=%d want %d", tc.radius, tab.Len(), tc.total)
		}
		if tab.ShellCount() != len(tc.shellLens) {
			t.Fatalf("radius=%d: shells=%d want %d", tc.radius, tab.ShellCount(), len(tc.shellLens))
		}
		next := 0
		for i, want := range tc.shellLens {
			r := tab.Shell(i)
			if r.Start != next || r.Len() != want {
				t.Fatalf("radius=%d shell %d: %+v want start=%d len=%d", tc.radius, i, r, next, want)
			}
			next = r.End
		}
	}
	if c, d2 := MustTable(5, 3).Offset(0); c != (chunk.Coord{}) || d2 != 0 {
		t.Fatalf("first offset=%v d2=%d, want origin", c, d2)
	}
}

func TestTableDefaultSize(t *testing.T) {
	tab := MustTable(DefaultRadius, DefaultFirstShellRadius)
	if tab.Len() != 137065 || tab.ShellCount() != 30 {
		t.Fatalf("len=%d shells=%d", tab.Len(), tab.ShellCount())
	}
}

func TestNewTableRejectsNegative(t *testing.T) {
	if _, err := NewTable(-1, 3); err == nil {
		t.Fatalf("expected error for negative radius")
	}
}

func TestIteratorEnumeratesOnce(t *testing.T) {
	tab := MustTable(5, 3)
	center := chunk.Coord{X: 10, Y: -4, Z: 7}
	it := NewIterator(tab, nil, center)

	seen := map[chunk.Coord]bool{}
	last := int64(-1)
	for {
		batch := it.NextBatch(37)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			if seen[c] {
				t.Fatalf("coordinate %v emitted twice", c)
			}
			seen[c] = true
			d2 := c.DistSq(center)
			if d2 < last {
				t.Fatalf("distance went down: %d after %d", d2, last)
			}
			last = d2
		}
	}
	if len(seen) != tab.Len() {
		t.Fatalf("emitted %d coords, table has %d", len(seen), tab.Len())
	}
	if !it.Exhausted() {
		t.Fatalf("iterator should be exhausted")
	}
	if got := it.NextBatch(10); len(got) != 0 {
		t.Fatalf("exhausted iterator returned %d coords", len(got))
	}
}

type loadedSet map[chunk.Coord]bool

func (s loadedSet) Has(c chunk.Coord) bool { return s[c] }

func TestIteratorSkipsLoaded(t *testing.T) {
	tab := MustTable(3, 3)
	loaded := loadedSet{}
	for i := 0; i < 20; i++ {
		c, _ := tab.Offset(i)
		loaded[c] = true
	}
	it := NewIterator(tab, loaded, chunk.Coord{})
	got := it.NextBatch(1000)
	if len(got) != tab.Len()-20 {
		t.Fatalf("got %d coords, want %d", len(got), tab.Len()-20)
	}
	for _, c := range got {
		if loaded[c] {
			t.Fatalf("loaded coordinate %v was emitted", c)
		}
	}
}

func TestResetRewindsToNewCenter(t *testing.T) {
	tab := MustTable(3, 3)
	it := NewIterator(tab, nil, chunk.Coord{})
	it.NextBatch(tab.Len())
	if !it.Exhausted() {
		t.Fatalf("expected exhaustion")
	}
	moved := chunk.Coord{X: 1}
	it.Reset(moved)
	if it.Center() != moved {
		t.Fatalf("center=%v want %v", it.Center(), moved)
	}
	got := it.NextBatch(1)
	if len(got) != 1 || got[0] != moved {
		t.Fatalf("first coord after reset=%v want %v", got, moved)
	}
}

type blockingSet struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSet) Has(chunk.Coord) bool {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return false
}

func TestTryResetSkippedWhileBatchRuns(t *testing.T) {
	tab := MustTable(2, 3)
	b := &blockingSet{entered: make(chan struct{}), release: make(chan struct{})}
	it := NewIterator(tab, b, chunk.Coord{})

	done := make(chan []chunk.Coord, 1)
	go func() { done <- it.NextBatch(5) }()
	<-b.entered

	if it.TryReset(chunk.Coord{X: 9}) {
		t.Fatalf("TryReset should be skipped while NextBatch holds the cursor")
	}
	if it.Center() != (chunk.Coord{}) {
		t.Fatalf("skipped reset changed center to %v", it.Center())
	}
	close(b.release)

	select {
	case got := <-done:
		if len(got) != 5 {
			t.Fatalf("batch len=%d want 5", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("NextBatch did not return")
	}
	if !it.TryReset(chunk.Coord{X: 9}) {
		t.Fatalf("TryReset should succeed once the batch finished")
	}
	if it.Center() != (chunk.Coord{X: 9}) {
		t.Fatalf("center=%v", it.Center())
	}
}

func TestExhaustedWhenBatchEndsOnLastOffset(t *testing.T) {
	tab := MustTable(5, 3)
	if tab.ShellCount() < 2 {
		t.Fatalf("shells=%d want several", tab.ShellCount())
	}
	first := tab.Shell(0).Len()
	it := NewIterator(tab, nil, chunk.Coord{})

	if got := it.NextBatch(first); len(got) != first {
		t.Fatalf("first batch=%d want %d", len(got), first)
	}
	if it.Exhausted() {
		t.Fatalf("exhausted after the first shell of %d", tab.ShellCount())
	}
	rest := tab.Len() - first
	if got := it.NextBatch(rest); len(got) != rest {
		t.Fatalf("second batch=%d want %d", len(got), rest)
	}
	if !it.Exhausted() {
		t.Fatalf("not exhausted after emitting all %d offsets", tab.Len())
	}
	if got := it.NextBatch(5); len(got) != 0 {
		t.Fatalf("batch after exhaustion=%v", got)
	}
}
