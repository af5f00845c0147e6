// Package pool runs the inference worker pool: a fixed number of workers
// racing to pull frame tasks from the shared work queue, running each one
// through the recognition engine, and pushing results onto the result
// channel. Stopping the pool is a join: it blocks until every worker has
// exited, and after it returns no worker pulls another task and no further
// result is pushed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/queue"
)

// Engine runs recognition on a single frame. Implementations live in the
// inference package; the pool needs only this method. A returned error
// means the task is logged and dropped, never re-enqueued.
type Engine interface {
	Infer(ctx context.Context, task *media.FrameTask) (*media.InferenceResult, error)
}

// ErrAlreadyStarted is returned by Start when the pool is already running.
var ErrAlreadyStarted = errors.New("pool: already started")

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Processed uint64 `json:"processed"`
	Failures  uint64 `json:"failures"`
	Crashes   uint64 `json:"crashes"`
	Stopping  bool   `json:"stopping"`
}

// Pool owns the inference workers for one feed.
type Pool struct {
	log     *slog.Logger
	feed    string
	in      *queue.Queue[*media.FrameTask]
	out     chan<- *media.InferenceResult
	engine  Engine
	workers int

	// pullCtx is cancelled on Stop to wake workers blocked in Pull; the
	// context passed to Start keeps governing in-flight Infer calls and
	// result delivery so a graceful stop drains work already picked up.
	pullCtx    context.Context
	pullCancel context.CancelFunc

	started  atomic.Bool
	stopReq  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	alive     atomic.Int64
	processed atomic.Uint64
	failures  atomic.Uint64
	crashes   atomic.Uint64
}

// New creates a Pool of workers pulling from in and pushing to out.
// workers below 1 is coerced to 1. If log is nil, slog.Default() is used.
func New(feed string, workers int, engine Engine, in *queue.Queue[*media.FrameTask], out chan<- *media.InferenceResult, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:     log.With("component", "pool", "feed", feed),
		feed:    feed,
		in:      in,
		out:     out,
		engine:  engine,
		workers: workers,
	}
}

// Start spawns the workers. The context governs in-flight inference and
// result delivery; cancelling it aborts the pool hard, while Stop performs
// the graceful variant. Starting twice returns ErrAlreadyStarted.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.pullCtx, p.pullCancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		p.alive.Add(1)
		go p.worker(ctx, i)
	}
	metrics.SetWorkersRunning(p.feed, p.workers)
	p.log.Info("worker pool started", "workers", p.workers)
	return nil
}

// Stop requests termination and blocks until every worker has exited or ctx
// expires. Workers finish the task they are processing and deliver its
// result before exiting; none pulls another task once stop is requested.
// A non-nil error means some workers were still wedged inside the engine
// when the deadline passed — fatal for a graceful shutdown, so the caller
// must surface it. Stop is idempotent.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.stopOnce.Do(func() {
		p.stopReq.Store(true)
		p.pullCancel()
		p.log.Info("stopping worker pool")
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped",
			"processed", p.processed.Load(),
			"failures", p.failures.Load(),
			"crashes", p.crashes.Load())
		return nil
	case <-ctx.Done():
		wedged := p.alive.Load()
		return fmt.Errorf("pool stop: %d workers still running inference: %w", wedged, ctx.Err())
	}
}

// StopRequested reports whether Stop has been called.
func (p *Pool) StopRequested() bool {
	return p.stopReq.Load()
}

// Running returns the number of workers currently alive. It shrinks when a
// worker is lost to a panic and only recovers on the next Start.
func (p *Pool) Running() int {
	return int(p.alive.Load())
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Running:   int(p.alive.Load()),
		Processed: p.processed.Load(),
		Failures:  p.failures.Load(),
		Crashes:   p.crashes.Load(),
		Stopping:  p.stopReq.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	defer func() {
		p.alive.Add(-1)
		metrics.SetWorkersRunning(p.feed, int(p.alive.Load()))
		// A panicking worker is not restarted: the pool runs with reduced
		// capacity until the next Start. The node itself must survive.
		if r := recover(); r != nil {
			p.crashes.Add(1)
			metrics.WorkerCrash(p.feed)
			log.Error("worker crashed, pool capacity reduced until restart", "panic", r)
		}
		p.wg.Done()
	}()

	log.Debug("worker started")
	for {
		task, ok := p.in.Pull(p.pullCtx)
		if !ok {
			log.Debug("worker exiting", "stop_requested", p.stopReq.Load())
			return
		}

		start := time.Now()
		res, err := p.engine.Infer(ctx, task)
		elapsed := time.Since(start)
		metrics.ObserveInference(p.feed, elapsed)

		if err != nil {
			p.failures.Add(1)
			metrics.InferenceFailure(p.feed)
			log.Warn("inference failed, dropping task", "seq", task.Seq, "error", err)
			continue
		}

		res.Worker = id
		res.Elapsed = elapsed

		select {
		case p.out <- res:
			p.processed.Add(1)
		case <-ctx.Done():
			return
		}
	}
}
