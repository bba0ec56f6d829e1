package shell

import (
	"sync"
	"sync/atomic"

	"voxelstream.ai/internal/terrain/chunk"
)

// Presence reports whether a coordinate is already loaded.
type Presence interface {
	Has(c chunk.Coord) bool
}

// Iterator walks a Table around a movable center and resumes where the last
// batch stopped. It does not wrap: once the last shell is consumed NextBatch
// returns nothing until the next reset.
type Iterator struct {
	table  *Table
	loaded Presence

	// mu guards the cursor. TryReset never waits for it.
	mu     sync.Mutex
	shell  int
	index  int
	center atomic.Pointer[chunk.Coord]
}

// NewIterator starts at center. loaded may be nil, in which case nothing is
// skipped.
func NewIterator(table *Table, loaded Presence, center chunk.Coord) *Iterator {
	it := &Iterator{table: table, loaded: loaded}
	it.center.Store(&center)
	return it
}

func (it *Iterator) Center() chunk.Coord { return *it.center.Load() }

// NextBatch returns up to max coordinates not yet present in the store.
func (it *Iterator) NextBatch(max int) []chunk.Coord {
	it.mu.Lock()
	defer it.mu.Unlock()

	if max <= 0 {
		return nil
	}
	out := make([]chunk.Coord, 0, max)
	center := *it.center.Load()
	shells := it.table.shells
	for len(out) < max && it.shell < len(shells) {
		r := shells[it.shell]
		if r.Start+it.index >= r.End {
			it.shell++
			it.index = 0
			continue
		}
		c := center.Add(it.table.offsets[r.Start+it.index])
		it.index++
		if it.loaded != nil && it.loaded.Has(c) {
			continue
		}
		out = append(out, c)
	}
	// A batch that fills on a shell's last offset must still advance past
	// it, or Exhausted lags one call behind.
	for it.shell < len(shells) && shells[it.shell].Start+it.index >= shells[it.shell].End {
		it.shell++
		it.index = 0
	}
	return out
}

// Exhausted reports whether every shell has been consumed.
func (it *Iterator) Exhausted() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.shell >= len(it.table.shells)
}

// Reset moves the center and rewinds to the first shell, waiting for a
// running NextBatch to finish.
func (it *Iterator) Reset(center chunk.Coord) {
	it.mu.Lock()
	it.rewind(center)
	it.mu.Unlock()
}

// TryReset is Reset without waiting. It returns false, changing nothing, when
// NextBatch holds the cursor; the caller retries on a later tick.
func (it *Iterator) TryReset(center chunk.Coord) bool {
	if !it.mu.TryLock() {
		return false
	}
	it.rewind(center)
	it.mu.Unlock()
	return true
}

func (it *Iterator) rewind(center chunk.Coord) {
	it.shell = 0
	it.index = 0
	it.center.Store(&center)
}
