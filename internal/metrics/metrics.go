// Package metrics exposes the node's Prometheus collectors. Pipeline
// components record through the helper functions; the broadcast server
// serves the default registry at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Segmentation counters.
	framesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "frames_observed_total",
		Help:      "Frame boundaries seen by the segmenter per feed",
	}, []string{"feed"})

	framesKept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "frames_kept_total",
		Help:      "Frames enqueued for inference after decimation",
	}, []string{"feed"})

	framesDecimated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "frames_decimated_total",
		Help:      "Frames discarded by the keep-every-Nth policy",
	}, []string{"feed"})

	// Queue counters and gauges.
	tasksShed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "tasks_shed_total",
		Help:      "Tasks dropped oldest-first by the load shedder",
	}, []string{"feed"})

	tasksEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "tasks_evicted_total",
		Help:      "Tasks evicted by the work queue capacity bound",
	}, []string{"feed"})

	workQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "work_queue_depth",
		Help:      "Tasks currently waiting for a worker",
	}, []string{"feed"})

	resultQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "platereader",
		Subsystem: "pipeline",
		Name:      "result_queue_depth",
		Help:      "Results buffered ahead of the reassembler",
	}, []string{"feed"})

	// Inference counters.
	inferenceSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platereader",
		Subsystem: "inference",
		Name:      "seconds",
		Help:      "Wall time per inference call",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"feed"})

	inferenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "inference",
		Name:      "failures_total",
		Help:      "Inference calls that returned an error (task dropped)",
	}, []string{"feed"})

	workerCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "inference",
		Name:      "worker_crashes_total",
		Help:      "Workers lost to panics; capacity stays reduced until restart",
	}, []string{"feed"})

	workersRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "platereader",
		Subsystem: "inference",
		Name:      "workers_running",
		Help:      "Workers currently alive in the pool",
	}, []string{"feed"})

	// Broadcast counters.
	resultsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "broadcast",
		Name:      "results_total",
		Help:      "Results emitted in sequence order to subscribers",
	}, []string{"feed"})

	resultsLate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "broadcast",
		Name:      "results_late_total",
		Help:      "Results that arrived behind the reorder window and were dropped",
	}, []string{"feed"})

	subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "platereader",
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Currently attached result subscribers",
	}, []string{"feed"})

	subscriberDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "broadcast",
		Name:      "subscriber_dropped_total",
		Help:      "Results dropped for slow subscribers",
	}, []string{"feed"})

	// Ingest counters.
	ingestBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platereader",
		Subsystem: "ingest",
		Name:      "bytes_total",
		Help:      "Raw bytes received per feed",
	}, []string{"feed"})
)

// FrameObserved records a frame boundary seen by the segmenter.
func FrameObserved(feed string) {
	framesObserved.WithLabelValues(feed).Inc()
}

// FrameKept records a frame enqueued for inference.
func FrameKept(feed string) {
	framesKept.WithLabelValues(feed).Inc()
}

// FrameDecimated records a frame dropped by decimation.
func FrameDecimated(feed string) {
	framesDecimated.WithLabelValues(feed).Inc()
}

// TasksShed records tasks removed by a shed cycle.
func TasksShed(feed string, count int) {
	tasksShed.WithLabelValues(feed).Add(float64(count))
}

// TasksEvicted records tasks evicted by the queue capacity bound.
func TasksEvicted(feed string, count int) {
	tasksEvicted.WithLabelValues(feed).Add(float64(count))
}

// SetQueueDepths updates the work and result queue depth gauges.
func SetQueueDepths(feed string, work, result int) {
	workQueueDepth.WithLabelValues(feed).Set(float64(work))
	resultQueueDepth.WithLabelValues(feed).Set(float64(result))
}

// ObserveInference records the wall time of one inference call.
func ObserveInference(feed string, d time.Duration) {
	inferenceSeconds.WithLabelValues(feed).Observe(d.Seconds())
}

// InferenceFailure records an inference error.
func InferenceFailure(feed string) {
	inferenceFailures.WithLabelValues(feed).Inc()
}

// WorkerCrash records a worker lost to a panic.
func WorkerCrash(feed string) {
	workerCrashes.WithLabelValues(feed).Inc()
}

// SetWorkersRunning sets the live worker gauge.
func SetWorkersRunning(feed string, n int) {
	workersRunning.WithLabelValues(feed).Set(float64(n))
}

// ResultEmitted records a result delivered in order.
func ResultEmitted(feed string) {
	resultsEmitted.WithLabelValues(feed).Inc()
}

// ResultLate records a result dropped for arriving behind the window.
func ResultLate(feed string) {
	resultsLate.WithLabelValues(feed).Inc()
}

// SetSubscribers sets the subscriber gauge.
func SetSubscribers(feed string, n int) {
	subscribers.WithLabelValues(feed).Set(float64(n))
}

// SubscriberDropped records a result dropped for one slow subscriber.
func SubscriberDropped(feed string) {
	subscriberDropped.WithLabelValues(feed).Inc()
}

// IngestBytes records raw bytes received for a feed.
func IngestBytes(feed string, n int) {
	ingestBytes.WithLabelValues(feed).Add(float64(n))
}

// DeleteFeed removes all label sets for a feed after teardown so gauges do
// not linger at their last values.
func DeleteFeed(feed string) {
	for _, vec := range []*prometheus.MetricVec{
		framesObserved.MetricVec, framesKept.MetricVec, framesDecimated.MetricVec,
		tasksShed.MetricVec, tasksEvicted.MetricVec,
		workQueueDepth.MetricVec, resultQueueDepth.MetricVec,
		inferenceSeconds.MetricVec, inferenceFailures.MetricVec,
		workerCrashes.MetricVec, workersRunning.MetricVec,
		resultsEmitted.MetricVec, resultsLate.MetricVec,
		subscribers.MetricVec, subscriberDropped.MetricVec,
		ingestBytes.MetricVec,
	} {
		vec.DeleteLabelValues(feed)
	}
}
