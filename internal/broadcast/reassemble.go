package broadcast

import (
	"container/heap"
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
)

// resultHeap orders inference results by sequence number.
type resultHeap []*media.InferenceResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(*media.InferenceResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}

// Reassembler restores sequence order for results coming out of the worker
// pool. Workers finish out of order, so results are buffered in a small
// window and emitted lowest-sequence-first. Emission is monotone: once a
// sequence has been emitted, anything at or below it that arrives later is
// dropped and counted rather than delivered out of order.
//
// Sequence numbers are sparse (decimation and shedding both leave gaps), so
// the window is bounded by count, not by waiting for contiguous sequences.
type Reassembler struct {
	log    *slog.Logger
	feed   string
	window int
	in     <-chan *media.InferenceResult
	emit   func(*media.InferenceResult)

	pending    resultHeap
	lastSeq    uint64
	emittedAny bool

	emitted atomic.Uint64
	late    atomic.Uint64

	done chan struct{}
}

// NewReassembler creates a Reassembler reading from in and delivering
// ordered results through emit. A window of 0 disables reordering and
// passes results straight through (still enforcing monotone emission).
func NewReassembler(feed string, window int, in <-chan *media.InferenceResult, emit func(*media.InferenceResult), log *slog.Logger) *Reassembler {
	if window < 0 {
		window = 0
	}
	return &Reassembler{
		log:    log.With("component", "reassembler", "feed", feed),
		feed:   feed,
		window: window,
		in:     in,
		emit:   emit,
		done:   make(chan struct{}),
	}
}

// Run consumes results until the input channel closes, then drains the
// reorder window in sequence order. Cancelling ctx abandons buffered
// results and returns immediately.
func (r *Reassembler) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("reassembler cancelled", "buffered", r.pending.Len())
			return ctx.Err()
		case res, ok := <-r.in:
			if !ok {
				r.drain()
				r.log.Info("reassembler drained",
					"emitted", r.emitted.Load(),
					"late", r.late.Load())
				return nil
			}
			r.observe(res)
		}
	}
}

// Done is closed once Run has returned, after the final drain.
func (r *Reassembler) Done() <-chan struct{} { return r.done }

// Emitted returns the number of results delivered in order.
func (r *Reassembler) Emitted() uint64 { return r.emitted.Load() }

// Late returns the number of results dropped for arriving after a higher
// sequence had already been emitted.
func (r *Reassembler) Late() uint64 { return r.late.Load() }

func (r *Reassembler) observe(res *media.InferenceResult) {
	if r.emittedAny && res.Seq <= r.lastSeq {
		r.late.Add(1)
		metrics.ResultLate(r.feed)
		r.log.Debug("dropping late result", "seq", res.Seq, "last_emitted", r.lastSeq)
		return
	}

	if r.window == 0 {
		r.deliver(res)
		return
	}

	heap.Push(&r.pending, res)
	if r.pending.Len() > r.window {
		r.deliver(heap.Pop(&r.pending).(*media.InferenceResult))
	}
}

func (r *Reassembler) drain() {
	for r.pending.Len() > 0 {
		r.deliver(heap.Pop(&r.pending).(*media.InferenceResult))
	}
}

func (r *Reassembler) deliver(res *media.InferenceResult) {
	r.lastSeq = res.Seq
	r.emittedAny = true
	r.emitted.Add(1)
	metrics.ResultEmitted(r.feed)
	r.emit(res)
}
