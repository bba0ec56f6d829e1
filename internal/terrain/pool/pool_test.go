package pool

import (
	"sync"
	"testing"
)

type buf struct {
	data []float32
	tag  int
}

func newBufPool(block int) *Pool[buf] {
	return New[buf](block, func(b *buf) { b.data = make([]float32, 8) })
}

func TestAcquireGrowsByBlock(t *testing.T) {
	p := newBufPool(4)
	if p.Size() != 0 || p.Capacity() != 0 {
		t.Fatalf("fresh pool should be empty: size=%d cap=%d", p.Size(), p.Capacity())
	}
	h, b := p.Acquire()
	if !h.Valid() || b == nil || len(b.data) != 8 {
		t.Fatalf("acquire returned unusable object")
	}
	if p.Capacity() != 4 || p.Size() != 3 {
		t.Fatalf("after first acquire: cap=%d size=%d want 4/3", p.Capacity(), p.Size())
	}
}

func TestRoundTripKeepsSize(t *testing.T) {
	p := newBufPool(8)
	p.PreAllocate(20)
	before := p.Size()
	if before < 20 {
		t.Fatalf("PreAllocate(20) left size=%d", before)
	}
	for i := 0; i < 100; i++ {
		h, b := p.Acquire()
		b.tag = i
		if !p.Release(h) {
			t.Fatalf("release %d failed", i)
		}
	}
	if after := p.Size(); after != before {
		t.Fatalf("size before=%d after=%d", before, after)
	}
}

func TestStaleAndDoubleRelease(t *testing.T) {
	p := newBufPool(2)
	h, _ := p.Acquire()
	if !p.Release(h) {
		t.Fatalf("first release should succeed")
	}
	if p.Release(h) {
		t.Fatalf("double release should be rejected")
	}
	if _, ok := p.Get(h); ok {
		t.Fatalf("stale handle should not resolve")
	}
	h2, _ := p.Acquire()
	if h2 == h {
		t.Fatalf("reused slot must carry a new generation")
	}
	if _, ok := p.Get(h2); !ok {
		t.Fatalf("live handle should resolve")
	}
	if p.Release(Handle{}) {
		t.Fatalf("zero handle must be rejected")
	}
}

func TestPointerStableAcrossGrowth(t *testing.T) {
	p := newBufPool(2)
	h, first := p.Acquire()
	for i := 0; i < 50; i++ {
		p.Acquire()
	}
	got, ok := p.Get(h)
	if !ok || got != first {
		t.Fatalf("object address changed after growth")
	}
}

func TestReleaseAfterCloseDrops(t *testing.T) {
	p := newBufPool(2)
	h, _ := p.Acquire()
	p.Close()
	if p.Release(h) {
		t.Fatalf("release into a closed pool should be dropped")
	}
	if p.Size() != 0 {
		t.Fatalf("closed pool should not recycle, size=%d", p.Size())
	}
}

func TestConcurrentNoSharedSlots(t *testing.T) {
	p := newBufPool(16)
	const workers = 8
	const rounds = 500

	var mu sync.Mutex
	inUse := map[*buf]bool{}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h, b := p.Acquire()
				mu.Lock()
				if inUse[b] {
					mu.Unlock()
					t.Errorf("slot handed out twice")
					return
				}
				inUse[b] = true
				mu.Unlock()

				mu.Lock()
				delete(inUse, b)
				mu.Unlock()
				p.Release(h)
			}
		}()
	}
	wg.Wait()
	if p.Size() != p.Capacity() {
		t.Fatalf("all objects should be free: size=%d cap=%d", p.Size(), p.Capacity())
	}
}
