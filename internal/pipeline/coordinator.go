package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the lifecycle phase of a pipeline.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Coordinator tracks a pipeline's lifecycle and serializes its shutdown.
// Any goroutine may request a stop; the pipeline's Run loop observes the
// request and walks the teardown sequence exactly once. States only move
// forward: running, stopping, stopped.
type Coordinator struct {
	log   *slog.Logger
	state atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	reason string
}

// NewCoordinator creates a Coordinator in the running state.
func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:    log,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// TriggerStop requests a graceful stop. It is safe to call from any
// goroutine and any number of times; the first call's reason wins and
// later calls are no-ops.
func (c *Coordinator) TriggerStop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.log.Info("stop requested", "reason", reason)
		close(c.stopCh)
	})
}

// Reason returns the reason recorded by the first TriggerStop call, or
// empty if no stop has been requested.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// StopRequested is closed once a stop has been triggered.
func (c *Coordinator) StopRequested() <-chan struct{} {
	return c.stopCh
}

// Done is closed once the teardown sequence has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until teardown completes or ctx is cancelled.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enterStopping transitions running to stopping. Returns false if the
// pipeline was already past running.
func (c *Coordinator) enterStopping() bool {
	return c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// markStopped records the terminal state and releases Done waiters.
func (c *Coordinator) markStopped() {
	if c.state.Swap(int32(StateStopped)) != int32(StateStopped) {
		close(c.done)
	}
}
