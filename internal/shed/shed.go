// Package shed implements the load shedder that keeps the work queue from
// growing without bound when inference falls behind the camera. It samples
// queue depth on a fixed interval and, when the depth exceeds the
// configured threshold, evicts the oldest tasks until exactly threshold
// remain — stale frames are worthless once fresher ones exist.
package shed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
)

// DepthQueue is the queue surface the shedder needs: observable depth and
// oldest-first eviction. The work queue implements it.
type DepthQueue interface {
	Depth() int
	TrimOldest(max int) int
}

// Shedder periodically trims the work queue down to its depth threshold.
// A threshold of zero or below disables shedding entirely.
type Shedder struct {
	log      *slog.Logger
	feed     string
	queue    DepthQueue
	interval time.Duration

	threshold atomic.Int64
	disarmed  atomic.Bool
	cycles    atomic.Uint64
	dropped   atomic.Uint64

	// onShed, when set, is invoked after each shed cycle with the number of
	// tasks dropped and the depth that triggered it.
	onShed func(dropped, depth int)
}

// New creates a Shedder sampling q every interval. If log is nil,
// slog.Default() is used.
func New(feed string, q DepthQueue, threshold int, interval time.Duration, log *slog.Logger) *Shedder {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	s := &Shedder{
		log:      log.With("component", "shed", "feed", feed),
		feed:     feed,
		queue:    q,
		interval: interval,
	}
	s.threshold.Store(int64(threshold))
	return s
}

// OnShed registers a callback invoked after every shed cycle. It must be
// set before Run.
func (s *Shedder) OnShed(fn func(dropped, depth int)) {
	s.onShed = fn
}

// SetThreshold changes the depth threshold for subsequent samples.
// Values of zero or below disable shedding.
func (s *Shedder) SetThreshold(n int) {
	s.threshold.Store(int64(n))
}

// Threshold returns the current depth threshold.
func (s *Shedder) Threshold() int {
	return int(s.threshold.Load())
}

// Disarm permanently stops the shedder from discarding tasks while leaving
// its sampling loop running. The shutdown coordinator disarms before any
// teardown step so the final drain is never raced by a shed cycle.
func (s *Shedder) Disarm() {
	if s.disarmed.CompareAndSwap(false, true) {
		s.log.Debug("shedder disarmed")
	}
}

// Dropped returns the total number of tasks shed so far.
func (s *Shedder) Dropped() uint64 {
	return s.dropped.Load()
}

// Cycles returns the number of shed cycles that dropped at least one task.
func (s *Shedder) Cycles() uint64 {
	return s.cycles.Load()
}

// Run samples the queue until the context is cancelled. It returns the
// context's error so errgroup siblings observe the same cause.
func (s *Shedder) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("load shedder running",
		"threshold", s.Threshold(), "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample performs one depth check and, if needed, one shed cycle.
func (s *Shedder) sample() {
	if s.disarmed.Load() {
		return
	}
	threshold := int(s.threshold.Load())
	if threshold <= 0 {
		return
	}
	depth := s.queue.Depth()
	if depth <= threshold {
		return
	}

	dropped := s.queue.TrimOldest(threshold)
	if dropped == 0 {
		return
	}
	s.cycles.Add(1)
	s.dropped.Add(uint64(dropped))
	metrics.TasksShed(s.feed, dropped)
	s.log.Warn("shed oldest tasks, keeping freshest",
		"dropped", dropped, "depth", depth, "threshold", threshold)
	if s.onShed != nil {
		s.onShed(dropped, depth)
	}
}
