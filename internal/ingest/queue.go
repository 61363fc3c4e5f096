package ingest

import (
	"sync"

	"github.com/lericson/oblam-deskew/internal/monitoring"
)

// Queue is an unbounded FIFO guarded by its own mutex.
type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	highWater int

	name     string
	warnLen  int
	throttle *monitoring.Throttle
}

// NewQueue returns an empty queue. When warnLen is positive, pushes beyond that
// length log a throttled growth warning under name.
func NewQueue[T any](name string, warnLen int, throttle *monitoring.Throttle) *Queue[T] {
	return &Queue[T]{name: name, warnLen: warnLen, throttle: throttle}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	n := len(q.items)
	if n > q.highWater {
		q.highWater = n
	}
	q.mu.Unlock()
	q.warnGrowth(n)
}

// PushChecked appends v only if check accepts it given the current tail.
// The check runs under the queue lock so concurrent producers cannot
// interleave between the check and the append.
func (q *Queue[T]) PushChecked(v T, check func(last T, ok bool) error) error {
	q.mu.Lock()
	var last T
	ok := len(q.items) > 0
	if ok {
		last = q.items[len(q.items)-1]
	}
	if err := check(last, ok); err != nil {
		q.mu.Unlock()
		return err
	}
	q.items = append(q.items, v)
	n := len(q.items)
	if n > q.highWater {
		q.highWater = n
	}
	q.mu.Unlock()
	q.warnGrowth(n)
	return nil
}

func (q *Queue[T]) warnGrowth(n int) {
	if q.warnLen > 0 && n > q.warnLen && q.throttle != nil {
		q.throttle.Logf("grow:"+q.name, "[Ingest] %s queue holds %d entries (warn at %d)", q.name, n, q.warnLen)
	}
}

// PopFront removes and returns the oldest entry.
func (q *Queue[T]) PopFront() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Front returns the oldest entry without removing it.
func (q *Queue[T]) Front() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Back returns the newest entry without removing it.
func (q *Queue[T]) Back() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[len(q.items)-1], true
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HighWater returns the largest length observed since creation or Clear.
func (q *Queue[T]) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

// DropFrontWhileNext removes the front entry while the entry behind it
// satisfies pred, so the last entry is never removed. It returns the number
// of entries dropped.
func (q *Queue[T]) DropFrontWhileNext(pred func(next T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	n := 0
	for len(q.items) >= 2 && pred(q.items[1]) {
		q.items[0] = zero
		q.items = q.items[1:]
		n++
	}
	return n
}

// CollectUntil copies entries from the front up to and including the first one
// for which stop returns true. The queue is not modified.
func (q *Queue[T]) CollectUntil(stop func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items))
	for _, v := range q.items {
		out = append(out, v)
		if stop(v) {
			break
		}
	}
	return out
}

// Snapshot returns a copy of every queued entry.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}

// Clear drops every entry and resets the high-water mark.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.highWater = 0
	q.mu.Unlock()
}
