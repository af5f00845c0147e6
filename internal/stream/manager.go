// Package stream tracks the set of active camera feeds, one recognition
// pipeline per feed, providing the create/stop/list operations used by the
// ingest and broadcast layers.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/broadcast"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/metrics"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/pipeline"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/pool"
)

var (
	// ErrFeedExists is returned by Create when the key is already live.
	ErrFeedExists = errors.New("stream: feed already exists")
	// ErrNoFeed is returned when a key does not name an active feed.
	ErrNoFeed = errors.New("stream: no such feed")
)

// Feed is one live camera feed and the pipeline processing it.
type Feed struct {
	Key       string
	Protocol  string
	StartedAt time.Time

	Pipeline *pipeline.Pipeline

	remoteMu   sync.Mutex
	remoteAddr string

	bytes  atomic.Int64
	writes atomic.Int64
}

// SetRemote records the source address shown on the debug endpoint. SRT
// learns it at handshake time, after the feed is already registered.
func (f *Feed) SetRemote(addr string) {
	f.remoteMu.Lock()
	f.remoteAddr = addr
	f.remoteMu.Unlock()
}

// Remote returns the recorded source address.
func (f *Feed) Remote() string {
	f.remoteMu.Lock()
	defer f.remoteMu.Unlock()
	return f.remoteAddr
}

// IngestStats summarizes the feed's ingest connection.
func (f *Feed) IngestStats() *broadcast.IngestDebugStats {
	return &broadcast.IngestDebugStats{
		Protocol:      f.Protocol,
		BytesReceived: f.bytes.Load(),
		ReadCount:     f.writes.Load(),
		ConnectedAt:   f.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(f.StartedAt).Milliseconds(),
		RemoteAddr:    f.Remote(),
	}
}

// feedInput is the write half of a feed's pipe. Ingest writes the raw
// stream bytes through it; closing it ends the feed's input and lets the
// pipeline stop gracefully.
type feedInput struct {
	feed *Feed
	pw   *io.PipeWriter
}

func (w *feedInput) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if n > 0 {
		w.feed.bytes.Add(int64(n))
		w.feed.writes.Add(1)
		metrics.IngestBytes(w.feed.Key, n)
	}
	return n, err
}

func (w *feedInput) Close() error { return w.pw.Close() }

// Manager owns the live feeds. Every Create starts a pipeline; the entry
// stays registered until that pipeline reaches its terminal state, whether
// the source disconnected, an operator stopped it, or the node is shutting
// down.
type Manager struct {
	log    *slog.Logger
	engine pool.Engine
	bus    *events.Bus

	cfgMu sync.RWMutex
	cfg   config.Config

	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewManager creates a feed manager. If log is nil, slog.Default() is used.
func NewManager(cfg config.Config, engine pool.Engine, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:    log.With("component", "stream-manager"),
		engine: engine,
		bus:    bus,
		cfg:    cfg,
		feeds:  make(map[string]*Feed),
	}
}

func (m *Manager) config() config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Create registers a feed and starts its pipeline. The returned WriteCloser
// is the feed's input: ingest writes the raw stream bytes to it and closes
// it when the source disconnects. A second feed with the same key is
// rejected until the first one has fully stopped.
func (m *Manager) Create(ctx context.Context, key, protocol, remote string) (*Feed, io.WriteCloser, error) {
	if key == "" {
		return nil, nil, errors.New("stream: empty feed key")
	}

	f := &Feed{
		Key:        key,
		Protocol:   protocol,
		StartedAt:  time.Now(),
		remoteAddr: remote,
	}
	f.Pipeline = pipeline.New(key, m.config(), m.engine, m.bus, m.log)
	f.Pipeline.SetProtocol(protocol)

	m.mu.Lock()
	if _, ok := m.feeds[key]; ok {
		m.mu.Unlock()
		m.log.Warn("feed already exists, rejecting duplicate", "key", key)
		return nil, nil, ErrFeedExists
	}
	m.feeds[key] = f
	m.mu.Unlock()

	m.log.Info("feed created", "key", key, "protocol", protocol, "remote", remote)
	if m.bus != nil {
		events.Publish(m.bus, events.FeedUpEvent{
			Feed:      key,
			Format:    protocol,
			Remote:    remote,
			Timestamp: events.Now(),
		})
	}

	pr, pw := io.Pipe()
	go m.run(ctx, f, pr)
	return f, &feedInput{feed: f, pw: pw}, nil
}

// run hosts one feed's pipeline and deregisters the feed once it stops.
func (m *Manager) run(ctx context.Context, f *Feed, input io.Reader) {
	if err := f.Pipeline.Run(ctx, input); err != nil {
		m.log.Error("pipeline exited with error", "key", f.Key, "error", err)
	}

	m.mu.Lock()
	if cur, ok := m.feeds[f.Key]; ok && cur == f {
		delete(m.feeds, f.Key)
	}
	m.mu.Unlock()
	metrics.DeleteFeed(f.Key)

	uptime := time.Since(f.StartedAt).Milliseconds()
	if m.bus != nil {
		events.Publish(m.bus, events.FeedDownEvent{
			Feed:          f.Key,
			BytesReceived: f.bytes.Load(),
			UptimeMs:      uptime,
			Timestamp:     events.Now(),
		})
	}
	m.log.Info("feed closed", "key", f.Key, "bytes", f.bytes.Load(), "uptime_ms", uptime)
}

// Stop requests a graceful stop of one feed and waits for its pipeline to
// finish or ctx to expire.
func (m *Manager) Stop(ctx context.Context, key string) error {
	f, ok := m.Get(key)
	if !ok {
		return ErrNoFeed
	}
	f.Pipeline.TriggerStop("operator requested")
	select {
	case <-f.Pipeline.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every live feed, waiting for each pipeline to finish or ctx
// to expire. Used during node shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	feeds := m.List()
	for _, f := range feeds {
		f.Pipeline.TriggerStop("node shutdown")
	}
	for _, f := range feeds {
		select {
		case <-f.Pipeline.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Attach is the ingest-facing variant of Create: it registers the feed and
// returns just the input writer.
func (m *Manager) Attach(ctx context.Context, key, protocol, remote string) (io.WriteCloser, error) {
	_, input, err := m.Create(ctx, key, protocol, remote)
	return input, err
}

// Get returns the feed registered under key.
func (m *Manager) Get(key string) (*Feed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feeds[key]
	return f, ok
}

// List returns all live feeds ordered by key.
func (m *Manager) List() []*Feed {
	m.mu.RLock()
	feeds := make([]*Feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.mu.RUnlock()

	slices.SortFunc(feeds, func(a, b *Feed) int { return strings.Compare(a.Key, b.Key) })
	return feeds
}

// Count returns the number of live feeds.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.feeds)
}

// FeedInfos returns the feed list rows for the API, ordered by key.
func (m *Manager) FeedInfos() []broadcast.FeedInfo {
	feeds := m.List()
	infos := make([]broadcast.FeedInfo, 0, len(feeds))
	for _, f := range feeds {
		infos = append(infos, f.Pipeline.Info())
	}
	return infos
}

// Snapshot returns the stats snapshot for one feed.
func (m *Manager) Snapshot(key string) (broadcast.FeedSnapshot, bool) {
	f, ok := m.Get(key)
	if !ok {
		return broadcast.FeedSnapshot{}, false
	}
	return f.Pipeline.Snapshot(), true
}

// Debug returns the debug payload for one feed.
func (m *Manager) Debug(key string) (broadcast.FeedDebug, bool) {
	f, ok := m.Get(key)
	if !ok {
		return broadcast.FeedDebug{}, false
	}
	return broadcast.FeedDebug{
		Ingest:      f.IngestStats(),
		Snapshot:    f.Pipeline.Snapshot(),
		Subscribers: f.Pipeline.SubscriberStats(),
	}, true
}

// RelayFor returns the detection relay for one feed.
func (m *Manager) RelayFor(key string) (*broadcast.Relay, bool) {
	f, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return f.Pipeline.Relay(), true
}

// ApplyConfig pushes a reloaded configuration to every live pipeline. New
// feeds pick it up at creation.
func (m *Manager) ApplyConfig(cfg config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	feeds := m.List()
	for _, f := range feeds {
		f.Pipeline.ApplyConfig(cfg)
	}
	m.log.Info("configuration applied", "feeds", len(feeds))
}
