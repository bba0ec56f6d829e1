// Package queue provides a blocking two-lane work queue.
//
// Every pushed item posts one wake token; consumers wait for a token before
// looking at the lanes. Priority items are always served before normal ones.
// There is no fairness bound: a steady stream of priority pushes starves the
// normal lane.
package queue

import "sync"

type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tokens   int
	priority []T
	normal   []T
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) Push(item T, prioritise bool) {
	q.mu.Lock()
	if prioritise {
		q.priority = append(q.priority, item)
	} else {
		q.normal = append(q.normal, item)
	}
	q.tokens++
	q.mu.Unlock()
	q.cond.Signal()
}

// PushBatch appends all items to one lane and posts one token per item.
func (q *Queue[T]) PushBatch(items []T, prioritise bool) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	if prioritise {
		q.priority = append(q.priority, items...)
	} else {
		q.normal = append(q.normal, items...)
	}
	q.tokens += len(items)
	q.mu.Unlock()
	q.wakeWaiters(len(items))
}

// Wake posts n tokens without items, releasing up to n blocked consumers.
func (q *Queue[T]) Wake(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.tokens += n
	q.mu.Unlock()
	q.wakeWaiters(n)
}

func (q *Queue[T]) wakeWaiters(n int) {
	if n == 1 {
		q.cond.Signal()
		return
	}
	q.cond.Broadcast()
}

// Pop waits for a token and takes one item, priority lane first. It returns
// false when both lanes are empty after the wait (clear or shutdown); it does
// not wait again.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitTokenLocked()

	item, ok := q.takeLocked()
	return item, ok
}

// PopBatch waits for one token, then takes up to max items without further
// waiting, consuming one additional token for every additional item taken.
func (q *Queue[T]) PopBatch(max int) ([]T, bool) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitTokenLocked()

	if len(q.priority) == 0 && len(q.normal) == 0 {
		return nil, false
	}
	n := len(q.priority) + len(q.normal)
	if n > max {
		n = max
	}
	out := make([]T, 0, n)
	for len(out) < max {
		item, ok := q.takeLocked()
		if !ok {
			break
		}
		out = append(out, item)
		if len(out) > 1 && q.tokens > 0 {
			q.tokens--
		}
	}
	return out, true
}

// Clear drops all items and outstanding tokens. Used at shutdown so that
// blocked consumers are not handed stale work.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	var zero T
	for i := range q.priority {
		q.priority[i] = zero
	}
	for i := range q.normal {
		q.normal[i] = zero
	}
	q.priority = q.priority[:0]
	q.normal = q.normal[:0]
	q.tokens = 0
	q.mu.Unlock()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.normal)
}

func (q *Queue[T]) Empty() bool { return q.Len() == 0 }

func (q *Queue[T]) waitTokenLocked() {
	for q.tokens == 0 {
		q.cond.Wait()
	}
	q.tokens--
}

func (q *Queue[T]) takeLocked() (T, bool) {
	var zero T
	lane := &q.priority
	if len(q.priority) == 0 {
		lane = &q.normal
	}
	if len(*lane) == 0 {
		return zero, false
	}
	item := (*lane)[0]
	(*lane)[0] = zero
	*lane = (*lane)[1:]
	if len(*lane) == 0 {
		*lane = nil
	}
	return item, true
}
