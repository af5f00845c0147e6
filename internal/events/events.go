// Package events carries the node's lifecycle event bus. Pipeline
// components publish; the /api/events SSE endpoint and log hooks
// subscribe. Detection results do not travel here — they have their own
// fan-out path through the broadcast relay.
package events

import (
	"time"

	"github.com/kelindar/event"
)

// Event type identifiers for kelindar/event.
const (
	TypeFeedUp uint32 = iota + 1
	TypeFeedDown
	TypeLoadShed
	TypeWorkerCrash
	TypePipelineStopped
)

// Event is the interface required by kelindar/event, plus a stable kind
// string used as the SSE event name.
type Event interface {
	Type() uint32
	Kind() string
}

// Bus wraps a kelindar/event dispatcher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to all subscribers of its concrete type.
func Publish[T Event](b *Bus, ev T) {
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers fn for events of type T and returns an unsubscribe
// function.
func Subscribe[T Event](b *Bus, fn func(T)) func() {
	return event.Subscribe(b.dispatcher, fn)
}

// Now formats the current time the way event timestamps are serialized.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// FeedUpEvent fires when a feed connects and its pipeline starts.
type FeedUpEvent struct {
	Feed      string `json:"feed"`
	Format    string `json:"format"`
	Remote    string `json:"remote,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (e FeedUpEvent) Type() uint32 { return TypeFeedUp }
func (e FeedUpEvent) Kind() string { return "feed_up" }

// FeedDownEvent fires when a feed disconnects.
type FeedDownEvent struct {
	Feed          string `json:"feed"`
	BytesReceived int64  `json:"bytesReceived"`
	UptimeMs      int64  `json:"uptimeMs"`
	Timestamp     string `json:"timestamp"`
}

func (e FeedDownEvent) Type() uint32 { return TypeFeedDown }
func (e FeedDownEvent) Kind() string { return "feed_down" }

// LoadShedEvent fires after a shed cycle dropped tasks.
type LoadShedEvent struct {
	Feed      string `json:"feed"`
	Dropped   int    `json:"dropped"`
	Depth     int    `json:"depth"`
	Threshold int    `json:"threshold"`
	Timestamp string `json:"timestamp"`
}

func (e LoadShedEvent) Type() uint32 { return TypeLoadShed }
func (e LoadShedEvent) Kind() string { return "load_shed" }

// WorkerCrashEvent fires when a pool worker is lost to a panic.
type WorkerCrashEvent struct {
	Feed      string `json:"feed"`
	Running   int    `json:"running"`
	Timestamp string `json:"timestamp"`
}

func (e WorkerCrashEvent) Type() uint32 { return TypeWorkerCrash }
func (e WorkerCrashEvent) Kind() string { return "worker_crash" }

// PipelineStoppedEvent fires once a pipeline reaches its terminal state.
type PipelineStoppedEvent struct {
	Feed      string `json:"feed"`
	Reason    string `json:"reason"`
	Frames    uint64 `json:"frames"`
	Results   uint64 `json:"results"`
	Timestamp string `json:"timestamp"`
}

func (e PipelineStoppedEvent) Type() uint32 { return TypePipelineStopped }
func (e PipelineStoppedEvent) Kind() string { return "pipeline_stopped" }
