// Package pool implements a thread-safe object recycler backed by an index arena.
//
// Objects live in append-only blocks that are never freed individually, so a
// pointer returned by Acquire stays valid for the lifetime of the pool. Callers
// hold a Handle (index + generation) rather than ownership of the object;
// releasing a handle bumps the slot generation, which turns any copy of the old
// handle into a stale one.
package pool

import "sync"

// DefaultBlockSize is the number of objects allocated per growth step.
const DefaultBlockSize = 64

// Handle refers to one checked-out slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) Valid() bool { return h.gen != 0 }

type slot[T any] struct {
	val  T
	gen  uint32
	live bool
}

// Pool recycles objects of type T. The zero value is not usable; use New.
type Pool[T any] struct {
	blockSize int
	newFn     func(*T)

	mu     sync.Mutex
	blocks [][]slot[T]
	free   []uint32
	closed bool
}

// New creates a pool that grows by blockSize objects at a time. init, if not
// nil, runs once on each freshly allocated object (e.g. to allocate buffers).
func New[T any](blockSize int, init func(*T)) *Pool[T] {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Pool[T]{blockSize: blockSize, newFn: init}
}

// Acquire returns a ready-to-use object and its handle. It never fails; when
// the free list is empty a new block is allocated.
func (p *Pool[T]) Acquire() (Handle, *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.growLocked()
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := p.slotLocked(idx)
	s.live = true
	return Handle{index: idx, gen: s.gen}, &s.val
}

// Release recycles the object behind h. It returns false for stale or
// already released handles, and after Close (the object is then dropped).
func (p *Pool[T]) Release(h Handle) bool {
	if !h.Valid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || int(h.index) >= len(p.blocks)*p.blockSize {
		return false
	}
	s := p.slotLocked(h.index)
	if !s.live || s.gen != h.gen {
		return false
	}
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	p.free = append(p.free, h.index)
	return true
}

// Get resolves a live handle.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	if !h.Valid() {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(h.index) >= len(p.blocks)*p.blockSize {
		return nil, false
	}
	s := p.slotLocked(h.index)
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return &s.val, true
}

// PreAllocate grows the pool until at least count objects are free.
func (p *Pool[T]) PreAllocate(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) < count {
		p.growLocked()
	}
}

// Size is the number of free objects.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity is the number of objects ever allocated.
func (p *Pool[T]) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks) * p.blockSize
}

// Close stops recycling. Outstanding objects stay valid for their holders but
// are dropped on release.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	p.free = nil
	p.mu.Unlock()
}

func (p *Pool[T]) growLocked() {
	base := uint32(len(p.blocks) * p.blockSize)
	block := make([]slot[T], p.blockSize)
	for i := range block {
		block[i].gen = 1
		if p.newFn != nil {
			p.newFn(&block[i].val)
		}
	}
	p.blocks = append(p.blocks, block)
	// Push in reverse so low indices are handed out first.
	for i := p.blockSize - 1; i >= 0; i-- {
		p.free = append(p.free, base+uint32(i))
	}
}

func (p *Pool[T]) slotLocked(idx uint32) *slot[T] {
	return &p.blocks[int(idx)/p.blockSize][int(idx)%p.blockSize]
}
