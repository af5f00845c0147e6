package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSink records attach calls and collects everything written to the
// returned input.
type stubSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	key      string
	protocol string
	remote   string

	attaches  atomic.Int64
	attachErr error
}

type stubInput struct {
	sink *stubSink
}

func (s *stubSink) Attach(_ context.Context, key, protocol, remote string) (io.WriteCloser, error) {
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	s.mu.Lock()
	s.key = key
	s.protocol = protocol
	s.remote = remote
	s.mu.Unlock()
	s.attaches.Add(1)
	return &stubInput{sink: s}, nil
}

func (s *stubSink) bytesReceived() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

func (i *stubInput) Write(p []byte) (int, error) {
	i.sink.mu.Lock()
	defer i.sink.mu.Unlock()
	return i.sink.buf.Write(p)
}

func (i *stubInput) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPullOnceStreamsBody(t *testing.T) {
	t.Parallel()

	payload := []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8jpegbytes\xff\xd8more")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Write(payload)
	}))
	defer srv.Close()

	sink := &stubSink{}
	p := NewPuller(sink, testLogger())

	if err := p.pullOnce(context.Background(), "cam0", srv.URL); err != nil {
		t.Fatalf("pullOnce: %v", err)
	}
	if got := sink.bytesReceived(); !bytes.Equal(got, payload) {
		t.Errorf("received %q, want %q", got, payload)
	}
	if sink.key != "cam0" {
		t.Errorf("key = %q, want cam0", sink.key)
	}
	if sink.protocol != "mjpeg" {
		t.Errorf("protocol = %q, want mjpeg", sink.protocol)
	}
	if sink.remote != srv.URL {
		t.Errorf("remote = %q, want %q", sink.remote, srv.URL)
	}
}

func TestPullOnceRejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	sink := &stubSink{}
	p := NewPuller(sink, testLogger())

	err := p.pullOnce(context.Background(), "cam0", srv.URL)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want mention of status 404", err)
	}
	if got := sink.attaches.Load(); got != 0 {
		t.Errorf("attaches = %d, want 0", got)
	}
}

func TestPullOnceAttachRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\xff\xd8"))
	}))
	defer srv.Close()

	wantErr := errors.New("feed already exists")
	sink := &stubSink{attachErr: wantErr}
	p := NewPuller(sink, testLogger())

	if err := p.pullOnce(context.Background(), "cam0", srv.URL); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestRunReconnects(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("\xff\xd8short session"))
	}))
	defer srv.Close()

	sink := &stubSink{}
	p := NewPuller(sink, testLogger())
	p.initialBackoff = time.Millisecond
	p.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "cam0", srv.URL) }()

	waitFor(t, func() bool { return hits.Load() >= 3 }, "three connection attempts")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := sink.attaches.Load(); got < 3 {
		t.Errorf("attaches = %d, want >= 3", got)
	}
}

func TestRunStopsDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := &stubSink{}
	p := NewPuller(sink, testLogger())
	p.initialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "cam0", srv.URL) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
