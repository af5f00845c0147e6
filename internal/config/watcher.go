package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the configuration file and notifies handlers when it
// changes. The file is re-read on every change so handlers never see a
// stale snapshot; a snapshot that fails validation is dropped.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	handlers []func(Config)

	fw     *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long after the last write event the file is
// reloaded. Editors often produce bursts of events per save.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, log *slog.Logger, opts ...WatcherOption) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		log:      log.With("component", "config_watcher"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers a handler called with each valid config snapshot.
// Returns an unsubscribe function.
func (w *Watcher) OnReload(handler func(Config)) func() {
	w.mu.Lock()
	w.handlers = append(w.handlers, handler)
	idx := len(w.handlers) - 1
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if idx < len(w.handlers) {
			w.handlers[idx] = nil
		}
	}
}

// Start begins watching the file.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	w.log.Info("watching config file", "path", w.path, "debounce", w.debounce)
	go w.watch()
	return nil
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.cancel()
	if w.fw != nil {
		return w.fw.Close()
	}
	return nil
}

func (w *Watcher) watch() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.log.Debug("config watcher stopped")
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			// Write covers in-place saves; Create covers editors that
			// replace the file on save.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.log.Debug("config file changed", "op", event.Op.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}

		case <-timerC:
			w.reload()
			timerC = nil

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("ignoring config change", "error", err)
		return
	}

	w.mu.RLock()
	handlers := make([]func(Config), 0, len(w.handlers))
	for _, h := range w.handlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	w.mu.RUnlock()

	w.log.Info("config reloaded", "path", w.path, "handlers", len(handlers))
	for _, handler := range handlers {
		handler(cfg)
	}
}
