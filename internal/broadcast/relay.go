// Package broadcast fans inference results out to API consumers. The
// Reassembler restores sequence order for results arriving from the worker
// pool, the Relay delivers them to subscribers, and the Server exposes the
// REST, SSE, and MJPEG surfaces.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
)

// SubscriberStats captures delivery counters for one subscriber, exposed
// through the feed debug endpoint.
type SubscriberStats struct {
	ID      string `json:"id"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	id      string
	ch      chan *media.InferenceResult
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Relay is the fan-out hub for a single feed. Results are delivered to
// every subscriber with a non-blocking send: a subscriber that cannot keep
// up loses results rather than stalling the pipeline. The most recent
// result is cached and replayed to late joiners so a new consumer sees a
// detection immediately instead of waiting for the next frame.
type Relay struct {
	log  *slog.Logger
	feed string

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	lastMu sync.RWMutex
	last   *media.InferenceResult
}

// NewRelay creates a Relay with no subscribers.
func NewRelay(feed string, log *slog.Logger) *Relay {
	return &Relay{
		log:  log.With("component", "relay", "feed", feed),
		feed: feed,
		subs: make(map[string]*subscriber),
	}
}

// Subscribe registers a new consumer and returns its ID, the delivery
// channel, and a cancel function. The cached last result, if any, is
// queued before live delivery begins so replay cannot race a broadcast.
func (r *Relay) Subscribe() (string, <-chan *media.InferenceResult, func()) {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan *media.InferenceResult, media.SubscriberBufferSize),
	}

	r.lastMu.RLock()
	if r.last != nil {
		sub.ch <- r.last
		sub.sent.Add(1)
	}
	r.lastMu.RUnlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		return sub.id, sub.ch, func() {}
	}
	r.subs[sub.id] = sub
	count := len(r.subs)
	r.mu.Unlock()

	metrics.SetSubscribers(r.feed, count)
	r.log.Info("subscriber added", "subscriber", sub.id, "subscribers", count)

	cancel := func() { r.unsubscribe(sub.id) }
	return sub.id, sub.ch, cancel
}

func (r *Relay) unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	count := len(r.subs)
	closed := r.closed
	r.mu.Unlock()

	if !ok {
		return
	}
	if !closed {
		close(sub.ch)
	}
	metrics.SetSubscribers(r.feed, count)
	r.log.Info("subscriber removed", "subscriber", id, "subscribers", count)
}

// Broadcast delivers a result to every subscriber without blocking. Full
// subscriber buffers drop the result and count the loss.
func (r *Relay) Broadcast(res *media.InferenceResult) {
	r.lastMu.Lock()
	r.last = res
	r.lastMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	for _, sub := range r.subs {
		select {
		case sub.ch <- res:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
			metrics.SubscriberDropped(r.feed)
		}
	}
}

// Last returns the most recently broadcast result, or nil if none yet.
func (r *Relay) Last() *media.InferenceResult {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// SubscriberCount returns the number of connected subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SubscriberStatsAll returns delivery counters for every subscriber.
func (r *Relay) SubscriberStatsAll() []SubscriberStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]SubscriberStats, 0, len(r.subs))
	for _, sub := range r.subs {
		stats = append(stats, SubscriberStats{
			ID:      sub.id,
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		})
	}
	return stats
}

// Close ends delivery and closes every subscriber channel so consumers
// observe end-of-stream. Broadcast after Close is a no-op. Callers must
// ensure no Broadcast is in flight once the feed's pipeline has stopped.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	metrics.SetSubscribers(r.feed, 0)
	r.log.Info("relay closed", "subscribers_dropped", len(subs))
}
