// Package workers runs a fixed group of goroutines that pull batches of tasks
// from a priority queue, run them through a per-goroutine processing context
// and collect the results.
package workers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"voxelstream.ai/internal/terrain/queue"
)

// BatchSize is the maximum number of tasks a worker takes per wake-up.
const BatchSize = 64

var (
	ErrLifecycle = errors.New("workers: invalid lifecycle transition")
	ErrNotReady  = errors.New("workers: pool not ready")
)

type State int32

const (
	Stopped State = iota
	Ready
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Ready:
		return "READY"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Processor is the per-goroutine processing context. It is only ever called
// from the goroutine that built it.
type Processor[T, R any] interface {
	Process(task T) R
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc[T, R any] func(T) R

func (f ProcessorFunc[T, R]) Process(task T) R { return f(task) }

// Factory builds the processing context for worker i. A returned error makes
// that worker exit; the pool keeps running with the others.
type Factory[T, R any] func(worker int) (Processor[T, R], error)

type Pool[T, R any] struct {
	name string
	log  *log.Logger

	state  atomic.Int32
	active atomic.Int32

	// lifecycle serializes Init and Stop.
	lifecycle sync.Mutex
	tasks     *queue.Queue[T]
	wg        sync.WaitGroup
	threads   int

	resultsMu sync.Mutex
	results   []R
}

func New[T, R any](name string, logger *log.Logger) *Pool[T, R] {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool[T, R]{
		name:  name,
		log:   logger,
		tasks: queue.New[T](),
	}
}

func (p *Pool[T, R]) Name() string  { return p.name }
func (p *Pool[T, R]) State() State { return State(p.state.Load()) }

// ActiveWorkers counts goroutines that built their context and are running.
func (p *Pool[T, R]) ActiveWorkers() int { return int(p.active.Load()) }

// Init starts threads goroutines. It is rejected unless the pool is Stopped.
func (p *Pool[T, R]) Init(threads int, factory Factory[T, R]) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.State() != Stopped {
		p.log.Printf("%s: init rejected in state %s", p.name, p.State())
		return fmt.Errorf("%s: init in state %s: %w", p.name, p.State(), ErrLifecycle)
	}
	if factory == nil {
		p.log.Printf("%s: init rejected: nil processor factory", p.name)
		return fmt.Errorf("%s: nil processor factory: %w", p.name, ErrLifecycle)
	}
	if threads <= 0 {
		threads = 1
	}

	p.log.Printf("%s: starting %d workers", p.name, threads)
	p.threads = threads
	p.state.Store(int32(Ready))
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.loop(i, factory)
	}
	return nil
}

// Stop clears pending work, wakes every worker and waits for them to exit.
// Tasks already taken by a worker still run to completion.
func (p *Pool[T, R]) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.state.CompareAndSwap(int32(Ready), int32(Stopping)) {
		p.log.Printf("%s: stop rejected in state %s", p.name, p.State())
		return fmt.Errorf("%s: stop in state %s: %w", p.name, p.State(), ErrLifecycle)
	}
	p.log.Printf("%s: stopping", p.name)

	p.tasks.Clear()
	p.tasks.Wake(p.threads)
	p.wg.Wait()
	// Drop wake tokens nobody consumed and anything queued during Stopping.
	p.tasks.Clear()

	p.threads = 0
	p.state.Store(int32(Stopped))
	p.log.Printf("%s: all workers finished", p.name)
	return nil
}

func (p *Pool[T, R]) Queue(task T, prioritise bool) error {
	if p.State() != Ready {
		p.log.Printf("%s: not ready, task skipped", p.name)
		return fmt.Errorf("%s: %w", p.name, ErrNotReady)
	}
	p.tasks.Push(task, prioritise)
	return nil
}

func (p *Pool[T, R]) QueueBatch(tasks []T, prioritise bool) error {
	if p.State() != Ready {
		p.log.Printf("%s: not ready, %d tasks skipped", p.name, len(tasks))
		return fmt.Errorf("%s: %w", p.name, ErrNotReady)
	}
	p.tasks.PushBatch(tasks, prioritise)
	return nil
}

// TaskCount is the number of queued tasks not yet taken by a worker.
func (p *Pool[T, R]) TaskCount() int {
	if p.State() != Ready {
		return 0
	}
	return p.tasks.Len()
}

func (p *Pool[T, R]) ResultCount() int {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	return len(p.results)
}

// TakeResults swaps out everything collected so far. Order is unspecified.
func (p *Pool[T, R]) TakeResults() []R {
	p.resultsMu.Lock()
	out := p.results
	p.results = nil
	p.resultsMu.Unlock()
	return out
}

func (p *Pool[T, R]) loop(index int, factory Factory[T, R]) {
	defer p.wg.Done()

	proc, err := factory(index)
	if err != nil || proc == nil {
		p.log.Printf("%s: worker %d failed to build processor, exiting: %v", p.name, index, err)
		return
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	local := make([]R, 0, BatchSize)
	for p.State() == Ready {
		batch, ok := p.tasks.PopBatch(BatchSize)
		if !ok {
			break
		}
		for _, task := range batch {
			if p.State() != Ready {
				break
			}
			local = append(local, proc.Process(task))
		}
		if len(local) > 0 {
			p.resultsMu.Lock()
			p.results = append(p.results, local...)
			p.resultsMu.Unlock()
			clear(local)
			local = local[:0]
		}
	}
}
