package broadcast

import (
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/segment"
)

// Compile-time interface check.
var _ segment.StatsRecorder = (*FeedStats)(nil)

// SegmenterStats holds frame segmentation counters for a feed.
type SegmenterStats struct {
	FramesObserved     uint64 `json:"framesObserved"`
	FramesKept         uint64 `json:"framesKept"`
	FramesDecimated    uint64 `json:"framesDecimated"`
	ContinuationChunks uint64 `json:"continuationChunks"`
	BytesObserved      int64  `json:"bytesObserved"`
	LastKeptSeq        uint64 `json:"lastKeptSeq"`
}

// QueueStats holds work queue pressure counters for a feed.
type QueueStats struct {
	WorkDepth   int    `json:"workDepth"`
	ResultDepth int    `json:"resultDepth"`
	Evicted     uint64 `json:"evicted"`
	Shed        uint64 `json:"shed"`
}

// PoolStats holds inference worker counters for a feed.
type PoolStats struct {
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Processed uint64 `json:"processed"`
	Failures  uint64 `json:"failures"`
	Crashes   uint64 `json:"crashes"`
}

// BroadcastStats holds result delivery counters for a feed.
type BroadcastStats struct {
	Emitted     uint64 `json:"emitted"`
	Late        uint64 `json:"late"`
	Subscribers int    `json:"subscribers"`
}

// FeedSnapshot is the JSON payload for the per-feed stats endpoint.
type FeedSnapshot struct {
	Feed      string         `json:"feed"`
	State     string         `json:"state"`
	Timestamp int64          `json:"ts"`
	UptimeMs  int64          `json:"uptimeMs"`
	Segmenter SegmenterStats `json:"segmenter"`
	Queues    QueueStats     `json:"queues"`
	Pool      PoolStats      `json:"pool"`
	Broadcast BroadcastStats `json:"broadcast"`
}

// FeedInfo is the summary row for the feed list endpoint.
type FeedInfo struct {
	Key         string `json:"key"`
	State       string `json:"state"`
	Protocol    string `json:"protocol,omitempty"`
	Subscribers int    `json:"subscribers"`
	FramesKept  uint64 `json:"framesKept"`
	Plates      uint64 `json:"plates"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// IngestDebugStats captures ingest connection counters for the debug API.
type IngestDebugStats struct {
	Protocol      string `json:"protocol"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// FeedDebug is the JSON payload for the per-feed debug endpoint,
// aggregating ingest and subscriber diagnostics around the snapshot.
type FeedDebug struct {
	Ingest      *IngestDebugStats `json:"ingest,omitempty"`
	Snapshot    FeedSnapshot      `json:"snapshot"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// FeedStats accumulates segmenter telemetry for one feed using atomic
// counters and mirrors every update into the Prometheus registry. It
// implements the segmenter's StatsRecorder interface; queue, pool, and
// broadcast counters are collected by the pipeline from their owners at
// snapshot time.
type FeedStats struct {
	feed string

	framesObserved     atomic.Uint64
	framesKept         atomic.Uint64
	framesDecimated    atomic.Uint64
	continuationChunks atomic.Uint64
	bytesObserved      atomic.Int64
	lastKeptSeq        atomic.Uint64
	queueEvicted       atomic.Uint64

	started time.Time
}

// NewFeedStats creates a FeedStats collector for the given feed key.
func NewFeedStats(feed string) *FeedStats {
	return &FeedStats{feed: feed, started: time.Now()}
}

// Feed returns the feed key this collector belongs to.
func (fs *FeedStats) Feed() string { return fs.feed }

// Started returns when the collector was created.
func (fs *FeedStats) Started() time.Time { return fs.started }

// RecordFrameObserved counts a frame boundary seen in the input stream.
func (fs *FeedStats) RecordFrameObserved(bytes int64) {
	fs.framesObserved.Add(1)
	fs.bytesObserved.Add(bytes)
	metrics.FrameObserved(fs.feed)
}

// RecordFrameKept counts a frame selected for inference.
func (fs *FeedStats) RecordFrameKept(seq uint64, _ int64) {
	fs.framesKept.Add(1)
	fs.lastKeptSeq.Store(seq)
	metrics.FrameKept(fs.feed)
}

// RecordFrameDecimated counts a frame skipped by decimation.
func (fs *FeedStats) RecordFrameDecimated() {
	fs.framesDecimated.Add(1)
	metrics.FrameDecimated(fs.feed)
}

// RecordContinuation counts bytes that continued a frame already started.
// Raw ingest bytes are metered at the feed input, so only the in-memory
// counter moves here.
func (fs *FeedStats) RecordContinuation(bytes int64) {
	fs.continuationChunks.Add(1)
	fs.bytesObserved.Add(bytes)
}

// RecordQueueEvicted counts tasks displaced by a bounded work queue.
func (fs *FeedStats) RecordQueueEvicted(n int) {
	fs.queueEvicted.Add(uint64(n))
	metrics.TasksEvicted(fs.feed, n)
}

// QueueEvicted returns how many tasks the bounded work queue displaced.
func (fs *FeedStats) QueueEvicted() uint64 { return fs.queueEvicted.Load() }

// SegmenterSnapshot returns a point-in-time copy of the frame counters.
func (fs *FeedStats) SegmenterSnapshot() SegmenterStats {
	return SegmenterStats{
		FramesObserved:     fs.framesObserved.Load(),
		FramesKept:         fs.framesKept.Load(),
		FramesDecimated:    fs.framesDecimated.Load(),
		ContinuationChunks: fs.continuationChunks.Load(),
		BytesObserved:      fs.bytesObserved.Load(),
		LastKeptSeq:        fs.lastKeptSeq.Load(),
	}
}
