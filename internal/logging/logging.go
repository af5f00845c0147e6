// Package logging configures the process-wide slog logger: text or JSON for
// production, a colored console format for development, and an optional
// rotating file sink that always records JSON. The active level can be
// changed at runtime, which the config watcher uses for live tuning.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Config is the [log] section of the node configuration.
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File enables a rotating JSON log file alongside the console output.
	File           string `toml:"file"`
	FileMaxSizeMB  int    `toml:"file_max_size_mb"`
	FileMaxBackups int    `toml:"file_max_backups"`
	FileMaxAgeDays int    `toml:"file_max_age_days"`
}

var levelVar slog.LevelVar

// Setup installs the default logger per cfg and returns it.
func Setup(cfg Config) *slog.Logger {
	levelVar.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: &levelVar}

	var handlers []slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
	case "console":
		handlers = append(handlers, NewConsoleHandler(os.Stdout, &levelVar))
	default:
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.FileMaxSizeMB, 50),
			MaxBackups: orDefault(cfg.FileMaxBackups, 3),
			MaxAge:     orDefault(cfg.FileMaxAgeDays, 7),
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotator, opts))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the active level of every handler installed by Setup.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// ParseLevel maps a config string onto a slog level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// multiHandler fans each record out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler combines handlers into one; a record is delivered to each
// handler that has its level enabled.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

var _ io.Writer = (*lumberjack.Logger)(nil)
