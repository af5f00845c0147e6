// Package queue provides the observable FIFO connecting the frame segmenter
// to the inference worker pool. Unlike a plain channel, it exposes its depth
// in O(1) and supports oldest-first eviction as a first-class operation, so
// the load-shedding policy can be exercised and tested in isolation from the
// consumers racing on the other end.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of queue activity counters.
type Stats struct {
	Pushed  uint64 `json:"pushed"`
	Pulled  uint64 `json:"pulled"`
	Evicted uint64 `json:"evicted"`
	Trimmed uint64 `json:"trimmed"`
}

// Queue is a concurrency-safe FIFO. Push never blocks: when a capacity is
// configured and exceeded, the oldest entries are evicted to make room, and
// the eviction is counted rather than silent. Pull blocks until an entry is
// available, the context is cancelled, or the queue is closed and drained.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	cap    int
	closed bool

	// notify carries at most one wake token; a successful Pull re-arms it
	// while entries remain so concurrent pullers are never stranded.
	notify   chan struct{}
	closedCh chan struct{}

	pushed  atomic.Uint64
	pulled  atomic.Uint64
	evicted atomic.Uint64
	trimmed atomic.Uint64
}

// New creates a Queue. capacity <= 0 means unbounded; otherwise Push evicts
// the oldest entries once depth would exceed capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		cap:      capacity,
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends v to the tail. It never blocks. The return value is the
// number of entries evicted from the head to honor the capacity bound
// (zero for unbounded queues). Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.items = append(q.items, v)
	q.pushed.Add(1)

	evicted := 0
	if q.cap > 0 {
		for q.depthLocked() > q.cap {
			q.dropHeadLocked()
			evicted++
		}
	}
	if evicted > 0 {
		q.evicted.Add(uint64(evicted))
	}
	q.mu.Unlock()

	q.signal()
	return evicted
}

// Pull removes and returns the head entry, blocking until one is available.
// It returns ok=false when ctx is cancelled or when the queue is closed and
// empty. Cancellation wins over buffered entries: a puller with a cancelled
// ctx never receives another entry, so stopping consumers abandon whatever
// is still queued. Entries pushed before Close are still drained after it.
func (q *Queue[T]) Pull(ctx context.Context) (T, bool) {
	for {
		if ctx.Err() != nil {
			var zero T
			return zero, false
		}
		q.mu.Lock()
		if q.depthLocked() > 0 {
			v := q.popLocked()
			remaining := q.depthLocked()
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}

		select {
		case <-q.notify:
		case <-q.closedCh:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// TryPull removes and returns the head entry without blocking.
func (q *Queue[T]) TryPull() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depthLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Depth returns the number of entries currently queued.
func (q *Queue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// TrimOldest evicts entries from the head until at most max remain,
// returning the number dropped. This is the shed operation: the newest
// entries always survive. max < 0 is treated as 0.
func (q *Queue[T]) TrimOldest(max int) int {
	if max < 0 {
		max = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for q.depthLocked() > max {
		q.dropHeadLocked()
		dropped++
	}
	if dropped > 0 {
		q.trimmed.Add(uint64(dropped))
	}
	return dropped
}

// Close marks the queue closed and wakes all blocked pullers. Remaining
// entries stay pullable; once drained, Pull returns ok=false. Close is
// idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closedCh)
}

// Stats returns the activity counters accumulated since creation.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Pushed:  q.pushed.Load(),
		Pulled:  q.pulled.Load(),
		Evicted: q.evicted.Load(),
		Trimmed: q.trimmed.Load(),
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) depthLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	v := q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
	q.pulled.Add(1)
	return v
}

func (q *Queue[T]) dropHeadLocked() {
	var zero T
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
}

// compactLocked reclaims the dead prefix once it dominates the backing
// slice, keeping amortized cost O(1) per operation.
func (q *Queue[T]) compactLocked() {
	if q.head > 64 && q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
