// Package pipeline wires one feed's stages into a running graph: the
// segmenter feeding the work queue, the inference worker pool, the load
// shedder watching queue depth, and the reassembler restoring result order
// for broadcast. The Coordinator owns the lifecycle and enforces the
// teardown order: input first, then the pool, then the shedder, then the
// reassembler.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/broadcast"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/pool"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/queue"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/segment"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/shed"
)

// statusInterval is how often queue depths are sampled for metrics and the
// periodic status log line.
const statusInterval = 5 * time.Second

// Compile-time interface check.
var _ broadcast.StatsProvider = (*Pipeline)(nil)

// Pipeline owns every stage for a single feed: frames come in from the
// ingest reader, pass through segmentation, decimation, the work queue,
// the worker pool, and leave through the reassembler in sequence order.
type Pipeline struct {
	log  *slog.Logger
	feed string
	cfg  config.Config
	bus  *events.Bus

	segmenter   *segment.Segmenter
	workQueue   *queue.Queue[*media.FrameTask]
	results     chan *media.InferenceResult
	pool        *pool.Pool
	shedder     *shed.Shedder
	reassembler *broadcast.Reassembler
	relay       *broadcast.Relay
	stats       *broadcast.FeedStats
	coord       *Coordinator

	protocol string
	started  time.Time
	plates   atomic.Uint64
}

// New builds the stage graph for one feed. Nothing runs until Run is
// called. The engine performs the actual plate recognition; cfg must have
// passed config.Validate.
func New(feed string, cfg config.Config, engine pool.Engine, bus *events.Bus, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("feed", feed)

	p := &Pipeline{
		log:     log,
		feed:    feed,
		cfg:     cfg,
		bus:     bus,
		results: make(chan *media.InferenceResult, media.ResultBufferSize),
		started: time.Now(),
	}

	p.stats = broadcast.NewFeedStats(feed)
	p.workQueue = queue.New[*media.FrameTask](cfg.Shed.QueueCapacity)
	p.segmenter = segment.New(p.workQueue, cfg.Segment.DecimationFactor, log)
	p.segmenter.SetStats(p.stats)
	p.pool = pool.New(feed, cfg.Pool.WorkerCount, engine, p.workQueue, p.results, log)
	p.shedder = shed.New(feed, p.workQueue, cfg.Shed.QueueDepthThreshold, cfg.Shed.SampleInterval.Std(), log)
	p.relay = broadcast.NewRelay(feed, log)
	p.reassembler = broadcast.NewReassembler(feed, cfg.Broadcast.ReorderWindow, p.results, p.emit, log)
	p.coord = NewCoordinator(log)

	if bus != nil {
		p.shedder.OnShed(func(dropped, depth int) {
			events.Publish(bus, events.LoadShedEvent{
				Feed:      feed,
				Dropped:   dropped,
				Depth:     depth,
				Threshold: p.shedder.Threshold(),
				Timestamp: events.Now(),
			})
		})
	}

	return p
}

// emit receives results from the reassembler in sequence order.
func (p *Pipeline) emit(res *media.InferenceResult) {
	if len(res.Plates) > 0 {
		p.plates.Add(uint64(len(res.Plates)))
		for _, plate := range res.Plates {
			p.log.Info("license plate detected",
				"plate", plate.Text,
				"confidence", plate.Confidence,
				"seq", res.Seq,
				"worker", res.Worker)
		}
	}
	p.relay.Broadcast(res)
}

// SetProtocol records the ingest protocol name (e.g. "srt") for the feed
// list endpoint.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// Relay returns the feed's fan-out hub for API subscriptions.
func (p *Pipeline) Relay() *broadcast.Relay {
	return p.relay
}

// State returns the pipeline's lifecycle phase.
func (p *Pipeline) State() State {
	return p.coord.State()
}

// TriggerStop requests a graceful stop. Safe to call from any goroutine,
// any number of times.
func (p *Pipeline) TriggerStop(reason string) {
	p.coord.TriggerStop(reason)
}

// Done is closed once the pipeline has fully stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.coord.Done()
}

// ApplyConfig applies the hot-reloadable settings from a new config
// snapshot: the decimation factor and the shed threshold.
func (p *Pipeline) ApplyConfig(cfg config.Config) {
	if cfg.Segment.DecimationFactor != p.segmenter.KeepEvery() {
		p.log.Info("decimation factor updated",
			"old", p.segmenter.KeepEvery(), "new", cfg.Segment.DecimationFactor)
		p.segmenter.SetKeepEvery(cfg.Segment.DecimationFactor)
	}
	if cfg.Shed.QueueDepthThreshold != p.shedder.Threshold() {
		p.log.Info("shed threshold updated",
			"old", p.shedder.Threshold(), "new", cfg.Shed.QueueDepthThreshold)
		p.shedder.SetThreshold(cfg.Shed.QueueDepthThreshold)
	}
}

// Snapshot returns a point-in-time view of every stage's counters for the
// stats API.
func (p *Pipeline) Snapshot() broadcast.FeedSnapshot {
	qs := p.workQueue.Stats()
	ps := p.pool.Stats()

	return broadcast.FeedSnapshot{
		Feed:      p.feed,
		State:     p.State().String(),
		Timestamp: time.Now().UnixMilli(),
		UptimeMs:  time.Since(p.started).Milliseconds(),
		Segmenter: p.stats.SegmenterSnapshot(),
		Queues: broadcast.QueueStats{
			WorkDepth:   p.workQueue.Depth(),
			ResultDepth: len(p.results),
			Evicted:     qs.Evicted,
			Shed:        p.shedder.Dropped(),
		},
		Pool: broadcast.PoolStats{
			Workers:   ps.Workers,
			Running:   ps.Running,
			Processed: ps.Processed,
			Failures:  ps.Failures,
			Crashes:   ps.Crashes,
		},
		Broadcast: broadcast.BroadcastStats{
			Emitted:     p.reassembler.Emitted(),
			Late:        p.reassembler.Late(),
			Subscribers: p.relay.SubscriberCount(),
		},
	}
}

// Info returns the feed list row for this pipeline.
func (p *Pipeline) Info() broadcast.FeedInfo {
	return broadcast.FeedInfo{
		Key:         p.feed,
		State:       p.State().String(),
		Protocol:    p.protocol,
		Subscribers: p.relay.SubscriberCount(),
		FramesKept:  p.stats.SegmenterSnapshot().FramesKept,
		Plates:      p.plates.Load(),
		UptimeMs:    time.Since(p.started).Milliseconds(),
	}
}

// SubscriberStats returns delivery counters for the feed's subscribers.
func (p *Pipeline) SubscriberStats() []broadcast.SubscriberStats {
	return p.relay.SubscriberStatsAll()
}

// Run starts every stage and blocks until the pipeline stops, either
// because the input ended, TriggerStop was called, or ctx was cancelled.
// The teardown sequence is strict: the input stage stops first so no new
// tasks are enqueued, then the pool joins so in-flight inference drains,
// then the shedder stops, and finally the reassembler is signalled to
// flush its reorder window.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	if err := p.pool.Start(ctx); err != nil {
		return err
	}

	p.log.Info("pipeline running",
		"workers", p.cfg.Pool.WorkerCount,
		"keep_every", p.segmenter.KeepEvery(),
		"shed_threshold", p.shedder.Threshold(),
		"reorder_window", p.cfg.Broadcast.ReorderWindow)

	inputCtx, cancelInput := context.WithCancel(ctx)
	defer cancelInput()
	shedCtx, cancelShed := context.WithCancel(ctx)
	defer cancelShed()

	// Cancellation alone cannot unblock a reader stuck in Read, so stop
	// also closes the input when it can. Ingest hands the pipeline the
	// read half of a pipe or a network stream; both are Closers.
	stopInput := func() {
		cancelInput()
		if c, ok := input.(io.Closer); ok {
			c.Close()
		}
	}

	segDone := make(chan error, 1)
	go func() {
		err := p.segmenter.Run(inputCtx, input)
		segDone <- err
		p.coord.TriggerStop("input ended")
	}()

	shedDone := make(chan struct{})
	go func() {
		defer close(shedDone)
		p.shedder.Run(shedCtx)
	}()

	go p.reassembler.Run(ctx)
	go p.statusLoop(ctx)

	select {
	case <-ctx.Done():
		p.coord.TriggerStop("context cancelled")
	case <-p.coord.StopRequested():
	}

	p.teardown(stopInput, segDone, cancelShed, shedDone)
	return nil
}

// teardown walks the ordered stop sequence. It runs exactly once, from
// Run's goroutine.
func (p *Pipeline) teardown(stopInput func(), segDone <-chan error, cancelShed context.CancelFunc, shedDone <-chan struct{}) {
	if !p.coord.enterStopping() {
		return
	}
	reason := p.coord.Reason()
	p.log.Info("stopping pipeline", "reason", reason)

	// The shedder must not drop queued tasks while the stages drain.
	p.shedder.Disarm()

	// 1. Stop the input stage so no new tasks enter the work queue.
	stopInput()
	if err := <-segDone; err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("segmenter exited with error", "error", err)
	}

	// 2. Join the worker pool, draining inference already in flight.
	stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Pool.StopTimeout.Std())
	defer cancel()
	if err := p.pool.Stop(stopCtx); err != nil {
		p.log.Error("worker pool stop", "error", err)
	}

	// 3. Stop the shedder's sampling loop.
	cancelShed()
	<-shedDone

	// 4. Signal the reassembler; it flushes the reorder window and exits.
	close(p.results)
	<-p.reassembler.Done()

	p.relay.Close()
	p.workQueue.Close()
	p.coord.markStopped()

	seg := p.stats.SegmenterSnapshot()
	if p.bus != nil {
		events.Publish(p.bus, events.PipelineStoppedEvent{
			Feed:      p.feed,
			Reason:    reason,
			Frames:    seg.FramesKept,
			Results:   p.reassembler.Emitted(),
			Timestamp: events.Now(),
		})
	}

	p.log.Info("pipeline stopped",
		"reason", reason,
		"frames_kept", seg.FramesKept,
		"results", p.reassembler.Emitted(),
		"shed", p.shedder.Dropped(),
		"late", p.reassembler.Late(),
		"plates", p.plates.Load())
}

// statusLoop periodically records queue depths, mirroring them into the
// metrics registry and the debug log.
func (p *Pipeline) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.coord.Done():
			return
		case <-ticker.C:
			work, result := p.workQueue.Depth(), len(p.results)
			metrics.SetQueueDepths(p.feed, work, result)
			p.log.Debug("queue status",
				"work_depth", work,
				"result_depth", result,
				"processed", p.pool.Stats().Processed)
		}
	}
}
