package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
)

type echoEngine struct{}

func (echoEngine) Infer(_ context.Context, task *media.FrameTask) (*media.InferenceResult, error) {
	return &media.InferenceResult{
		Seq:      task.Seq,
		Plates:   []media.Plate{{Text: "PJ63 KDX", Confidence: 0.88}},
		Captured: task.Captured,
		JPEG:     task.JPEG,
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pool.WorkerCount = 2
	cfg.Pool.StopTimeout = config.Duration(3 * time.Second)
	cfg.Segment.DecimationFactor = 1
	cfg.Shed.QueueDepthThreshold = 0
	cfg.Shed.SampleInterval = config.Duration(5 * time.Millisecond)
	cfg.Broadcast.ReorderWindow = 4
	return cfg
}

func frame(n int) []byte {
	b := make([]byte, 0, 26)
	b = append(b, 0xFF, 0xD8)
	for i := 0; i < 24; i++ {
		b = append(b, byte(n))
	}
	return b
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testConfig(), echoEngine{}, nil, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.StopAll(ctx)
	})
	return m
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	f, input, err := m.Create(context.Background(), "cam-a", "srt", "10.0.0.9:31337")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if input == nil {
		t.Fatal("Create returned nil input")
	}
	if f.Key != "cam-a" || f.Protocol != "srt" {
		t.Errorf("feed: got key=%q protocol=%q", f.Key, f.Protocol)
	}
	if f.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if f.Remote() != "10.0.0.9:31337" {
		t.Errorf("remote: got %q", f.Remote())
	}

	got, ok := m.Get("cam-a")
	if !ok || got != f {
		t.Error("Get should return the created feed")
	}
	if m.Count() != 1 {
		t.Errorf("Count: got %d, want 1", m.Count())
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if _, _, err := m.Create(context.Background(), "cam-a", "srt", ""); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	f, input, err := m.Create(context.Background(), "cam-a", "srt", "")
	if !errors.Is(err, ErrFeedExists) {
		t.Errorf("duplicate Create: got %v, want ErrFeedExists", err)
	}
	if f != nil || input != nil {
		t.Error("duplicate Create should return nil feed and input")
	}

	if _, _, err := m.Create(context.Background(), "", "srt", ""); err == nil {
		t.Error("Create with empty key should fail")
	}
}

func TestManagerListSorted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	for _, key := range []string{"cam-c", "cam-a", "cam-b"} {
		if _, _, err := m.Create(context.Background(), key, "srt", ""); err != nil {
			t.Fatalf("Create %s: %v", key, err)
		}
	}

	feeds := m.List()
	if len(feeds) != 3 {
		t.Fatalf("List: got %d feeds, want 3", len(feeds))
	}
	for i, want := range []string{"cam-a", "cam-b", "cam-c"} {
		if feeds[i].Key != want {
			t.Errorf("List[%d]: got %q, want %q", i, feeds[i].Key, want)
		}
	}

	infos := m.FeedInfos()
	for i, want := range []string{"cam-a", "cam-b", "cam-c"} {
		if infos[i].Key != want {
			t.Errorf("FeedInfos[%d]: got %q, want %q", i, infos[i].Key, want)
		}
	}
}

func TestManagerStop(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if _, _, err := m.Create(context.Background(), "cam-a", "srt", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx, "cam-a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 }, "feed removal")

	if err := m.Stop(ctx, "cam-a"); !errors.Is(err, ErrNoFeed) {
		t.Errorf("Stop unknown feed: got %v, want ErrNoFeed", err)
	}
}

func TestManagerStopAll(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	for _, key := range []string{"cam-a", "cam-b", "cam-c"} {
		if _, _, err := m.Create(context.Background(), key, "srt", ""); err != nil {
			t.Fatalf("Create %s: %v", key, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 }, "all feeds removed")
}

func TestManagerFeedRemovedWhenInputEnds(t *testing.T) {
	t.Parallel()

	bus := events.New()
	var ups, downs atomic.Int64
	var downBytes atomic.Int64
	defer events.Subscribe(bus, func(events.FeedUpEvent) { ups.Add(1) })()
	defer events.Subscribe(bus, func(ev events.FeedDownEvent) {
		downBytes.Store(ev.BytesReceived)
		downs.Add(1)
	})()

	m := NewManager(testConfig(), echoEngine{}, bus, testLogger())

	_, input, err := m.Create(context.Background(), "cam-a", "mjpeg", "http://cam.local/stream")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, func() bool { return ups.Load() == 1 }, "feed up event")

	if _, err := input.Write(frame(0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := input.Write(frame(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	input.Close()

	waitFor(t, func() bool { return m.Count() == 0 }, "feed removal after input end")
	waitFor(t, func() bool { return downs.Load() == 1 }, "feed down event")
	if got := downBytes.Load(); got != 52 {
		t.Errorf("bytes received in down event: got %d, want 52", got)
	}
}

func TestManagerDebugAndSnapshot(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	_, input, err := m.Create(context.Background(), "cam-a", "mjpeg", "http://cam.local/stream")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := input.Write(frame(0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := input.Write(frame(1)); err != nil {
		t.Fatalf("write: %v", err)
	}

	debug, ok := m.Debug("cam-a")
	if !ok {
		t.Fatal("Debug: feed not found")
	}
	if debug.Ingest == nil {
		t.Fatal("Debug: nil ingest stats")
	}
	if debug.Ingest.BytesReceived != 52 || debug.Ingest.ReadCount != 2 {
		t.Errorf("ingest stats: got bytes=%d reads=%d, want 52/2",
			debug.Ingest.BytesReceived, debug.Ingest.ReadCount)
	}
	if debug.Ingest.Protocol != "mjpeg" || debug.Ingest.RemoteAddr != "http://cam.local/stream" {
		t.Errorf("ingest stats: got protocol=%q remote=%q",
			debug.Ingest.Protocol, debug.Ingest.RemoteAddr)
	}

	snap, ok := m.Snapshot("cam-a")
	if !ok || snap.Feed != "cam-a" {
		t.Errorf("Snapshot: got ok=%v feed=%q", ok, snap.Feed)
	}
	if _, ok := m.RelayFor("cam-a"); !ok {
		t.Error("RelayFor: feed not found")
	}

	if _, ok := m.Snapshot("nope"); ok {
		t.Error("Snapshot of unknown feed: got ok=true")
	}
	if _, ok := m.Debug("nope"); ok {
		t.Error("Debug of unknown feed: got ok=true")
	}
	if _, ok := m.RelayFor("nope"); ok {
		t.Error("RelayFor of unknown feed: got ok=true")
	}
}

func TestManagerApplyConfigReachesLivePipelines(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	f, input, err := m.Create(context.Background(), "cam-a", "srt", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := testConfig()
	cfg.Segment.DecimationFactor = 5
	m.ApplyConfig(cfg)

	_, sub, cancelSub := f.Pipeline.Relay().Subscribe()
	defer cancelSub()
	seqs := make(chan []uint64, 1)
	go func() {
		var got []uint64
		for res := range sub {
			got = append(got, res.Seq)
		}
		seqs <- got
	}()

	// With the reloaded keep factor only every fifth frame survives.
	for i := 0; i < 10; i++ {
		if _, err := input.Write(frame(i)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool {
		snap, ok := m.Snapshot("cam-a")
		return ok && snap.Pool.Processed >= 2
	}, "kept frames to clear inference")
	input.Close()
	waitFor(t, func() bool { return m.Count() == 0 }, "feed stop")

	select {
	case got := <-seqs:
		want := []uint64{0, 5}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("kept seqs after reload: got %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never closed")
	}
}
