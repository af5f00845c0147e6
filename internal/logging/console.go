package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	debugLabel = color.New(color.FgCyan)
	infoLabel  = color.New(color.FgGreen)
	warnLabel  = color.New(color.FgYellow)
	errorLabel = color.New(color.FgRed, color.Bold)
	attrKey    = color.New(color.Faint)
)

// consoleHandler renders records as a single human-oriented line with a
// colored level label. Color is disabled automatically when stdout is not
// a terminal (fatih/color handles the detection).
type consoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler creates the development console handler.
func NewConsoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &consoleHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	if !r.Time.IsZero() {
		buf.WriteString(r.Time.Format("15:04:05.000"))
		buf.WriteByte(' ')
	}
	buf.WriteString(levelLabel(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		h.appendAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func (h *consoleHandler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	fmt.Fprintf(buf, " %s=%v", attrKey.Sprint(key), a.Value)
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return errorLabel.Sprint("ERROR")
	case l >= slog.LevelWarn:
		return warnLabel.Sprint("WARN ")
	case l >= slog.LevelInfo:
		return infoLabel.Sprint("INFO ")
	default:
		return debugLabel.Sprint("DEBUG")
	}
}
