// Package store is the sharded concurrent map from chunk coordinate to pooled
// chunk entry.
package store

import (
	"errors"
	"fmt"
	"sync"

	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/pool"
)

// ErrFieldSize rejects an Update whose field does not match the chunk volume.
var ErrFieldSize = errors.New("store: field size mismatch")

// ShardCount must stay a power of two; shard selection masks the hash.
const ShardCount = 32

type slotRef struct {
	h pool.Handle
	e *chunk.Entry
}

type shard struct {
	mu   sync.RWMutex
	data map[chunk.Coord]slotRef
	pool *pool.Pool[chunk.Entry]
}

// Store is safe for concurrent use. Each shard owns its lock and its pool;
// the dirty set has a lock of its own. No lock is held while another is taken.
type Store struct {
	dims   chunk.Dims
	shards [ShardCount]shard

	dirtyMu sync.Mutex
	dirty   map[chunk.Coord]struct{}
}

func New(dims chunk.Dims) *Store {
	s := &Store{
		dims:  dims,
		dirty: map[chunk.Coord]struct{}{},
	}
	volume := dims.Volume()
	for i := range s.shards {
		s.shards[i].data = map[chunk.Coord]slotRef{}
		s.shards[i].pool = pool.New[chunk.Entry](pool.DefaultBlockSize, func(e *chunk.Entry) {
			e.Field = make([]float32, volume)
		})
	}
	return s
}

func (s *Store) Dims() chunk.Dims { return s.dims }

// ShardOf is a pure function of the coordinate.
func ShardOf(c chunk.Coord) int {
	return int(c.Hash() & (ShardCount - 1))
}

func (s *Store) shardFor(c chunk.Coord) *shard {
	return &s.shards[ShardOf(c)]
}

// PreAllocatePerShard grows every shard pool to n free entries.
func (s *Store) PreAllocatePerShard(n int) {
	for i := range s.shards {
		s.shards[i].pool.PreAllocate(n)
	}
}

// Get returns the live entry for c. The pointer stays valid until c is
// updated or unloaded; use Read or Snapshot when that can race.
func (s *Store) Get(c chunk.Coord) (*chunk.Entry, bool) {
	sh := s.shardFor(c)
	sh.mu.RLock()
	ref, ok := sh.data[c]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ref.e, true
}

// Read runs fn on the entry for c while holding the shard read lock. fn must
// not call back into the store.
func (s *Store) Read(c chunk.Coord, fn func(*chunk.Entry)) bool {
	sh := s.shardFor(c)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ref, ok := sh.data[c]
	if !ok {
		return false
	}
	fn(ref.e)
	return true
}

// Snapshot copies the entry for c. The field is copied into dst, which is
// grown if needed; the returned entry's Field aliases it.
func (s *Store) Snapshot(c chunk.Coord, dst []float32) (chunk.Entry, bool) {
	var out chunk.Entry
	ok := s.Read(c, func(e *chunk.Entry) {
		if cap(dst) < len(e.Field) {
			dst = make([]float32, len(e.Field))
		}
		dst = dst[:len(e.Field)]
		copy(dst, e.Field)
		out = chunk.Entry{Coord: e.Coord, Class: e.Class, Field: dst}
	})
	return out, ok
}

// GetOrCreate returns the entry for c, inserting a pooled one on miss. The
// new entry is visible to readers immediately; its field is filled in place
// by whoever created it.
func (s *Store) GetOrCreate(c chunk.Coord) *chunk.Entry {
	if e, ok := s.Get(c); ok {
		return e
	}

	sh := s.shardFor(c)
	h, e := sh.pool.Acquire()
	e.Coord = c
	e.Class = chunk.Empty

	sh.mu.Lock()
	if ref, ok := sh.data[c]; ok {
		sh.mu.Unlock()
		// Lost the race; hand the slot back.
		sh.pool.Release(h)
		return ref.e
	}
	sh.data[c] = slotRef{h: h, e: e}
	sh.mu.Unlock()
	return e
}

// Update copies field and class into a fresh pooled entry and swaps it into
// the map. The previous entry is recycled. Concurrent updates to the same
// coordinate are last-writer-wins. field must hold exactly Dims().Volume()
// samples; anything else is rejected with ErrFieldSize and the store is
// left unchanged.
func (s *Store) Update(c chunk.Coord, field []float32, class chunk.Class, markDirty bool) error {
	if len(field) != s.dims.Volume() {
		return fmt.Errorf("update %s: %d samples, want %d: %w", c, len(field), s.dims.Volume(), ErrFieldSize)
	}
	sh := s.shardFor(c)
	h, e := sh.pool.Acquire()
	e.Coord = c
	e.Class = class
	copy(e.Field, field)

	sh.mu.Lock()
	old, had := sh.data[c]
	sh.data[c] = slotRef{h: h, e: e}
	sh.mu.Unlock()
	if had {
		sh.pool.Release(old.h)
	}

	if markDirty {
		s.MarkDirty(c)
	}
	return nil
}

func (s *Store) Has(c chunk.Coord) bool {
	sh := s.shardFor(c)
	sh.mu.RLock()
	_, ok := sh.data[c]
	sh.mu.RUnlock()
	return ok
}

func (s *Store) Unload(c chunk.Coord) bool {
	sh := s.shardFor(c)
	sh.mu.Lock()
	ref, ok := sh.data[c]
	if ok {
		delete(sh.data, c)
	}
	sh.mu.Unlock()
	if ok {
		sh.pool.Release(ref.h)
	}
	return ok
}

// UnloadAll empties every shard and recycles all entries.
func (s *Store) UnloadAll() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		old := sh.data
		sh.data = make(map[chunk.Coord]slotRef, len(old))
		sh.mu.Unlock()
		for _, ref := range old {
			sh.pool.Release(ref.h)
		}
	}
}

func (s *Store) LoadedCount() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

// PoolCount is the number of free pooled entries across all shards.
func (s *Store) PoolCount() int {
	n := 0
	for i := range s.shards {
		n += s.shards[i].pool.Size()
	}
	return n
}

// ShardLoads returns the number of entries per shard.
func (s *Store) ShardLoads() [ShardCount]int {
	var out [ShardCount]int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		out[i] = len(sh.data)
		sh.mu.RUnlock()
	}
	return out
}

// Close unloads everything and stops the pools from recycling.
func (s *Store) Close() {
	s.UnloadAll()
	for i := range s.shards {
		s.shards[i].pool.Close()
	}
}
