package store

import (
	"sort"

	"voxelstream.ai/internal/terrain/chunk"
)

// DrainDirty returns every coordinate marked dirty since the last drain and
// clears the set. The result is sorted for stable consumption.
func (s *Store) DrainDirty() []chunk.Coord {
	s.dirtyMu.Lock()
	if len(s.dirty) == 0 {
		s.dirtyMu.Unlock()
		return nil
	}
	drained := s.dirty
	s.dirty = map[chunk.Coord]struct{}{}
	s.dirtyMu.Unlock()

	out := make([]chunk.Coord, 0, len(drained))
	for c := range drained {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return out
}

// MarkDirty queues c for the next drain without touching its entry.
func (s *Store) MarkDirty(c chunk.Coord) {
	s.dirtyMu.Lock()
	s.dirty[c] = struct{}{}
	s.dirtyMu.Unlock()
}

func (s *Store) DirtyCount() int {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return len(s.dirty)
}
