package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"  info  ", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConsoleHandlerOutput(t *testing.T) {
	color.NoColor = true // deterministic output; NoColor is package-global

	var buf bytes.Buffer
	level := &slog.LevelVar{}
	logger := slog.New(NewConsoleHandler(&buf, level))

	logger.Info("feed connected", "feed", "cam0", "format", "mjpeg")

	out := buf.String()
	for _, want := range []string{"INFO", "feed connected", "feed=cam0", "format=mjpeg"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestConsoleHandlerWithAttrsAndGroup(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	level := &slog.LevelVar{}
	logger := slog.New(NewConsoleHandler(&buf, level)).
		With("component", "pool").
		WithGroup("queue")

	logger.Warn("depth high", "depth", 42)

	out := buf.String()
	if !strings.Contains(out, "component=pool") {
		t.Errorf("output %q missing bound attr", out)
	}
	if !strings.Contains(out, "queue.depth=42") {
		t.Errorf("output %q missing grouped attr", out)
	}
}

func TestConsoleHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	h := NewConsoleHandler(&buf, level)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info enabled with Warn floor")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Error not enabled with Warn floor")
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	color.NoColor = true

	var a, b bytes.Buffer
	level := &slog.LevelVar{}
	h := NewMultiHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: level}),
	)
	logger := slog.New(h)

	logger.Info("shed", "dropped", 15)

	if !strings.Contains(a.String(), "dropped=15") {
		t.Errorf("text sink missing record: %q", a.String())
	}
	if !strings.Contains(b.String(), `"dropped":15`) {
		t.Errorf("json sink missing record: %q", b.String())
	}
}

func TestSetLevelTakesEffect(t *testing.T) {
	prev := levelVar.Level()
	defer levelVar.Set(prev)

	SetLevel("error")
	if got := levelVar.Level(); got != slog.LevelError {
		t.Errorf("levelVar: got %v, want error", got)
	}
	SetLevel("debug")
	if got := levelVar.Level(); got != slog.LevelDebug {
		t.Errorf("levelVar: got %v, want debug", got)
	}
}
