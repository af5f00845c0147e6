package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
)

func testTask() *media.FrameTask {
	return &media.FrameTask{
		Seq:      12,
		JPEG:     []byte{0xFF, 0xD8, 0x01, 0x02, 0x03},
		Captured: time.Now(),
	}
}

func TestClientInfer(t *testing.T) {
	t.Parallel()

	task := testTask()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}

		var req struct {
			Imgs []string `json:"imgs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Imgs) != 1 {
			t.Fatalf("imgs: got %d entries, want 1", len(req.Imgs))
		}
		want := base64.StdEncoding.EncodeToString(task.JPEG)
		if req.Imgs[0] != want {
			t.Error("request payload is not the base64 frame")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"license-plates": []media.Plate{
				{Text: "GX55 ZNK", Confidence: 0.87, Box: [4]int{10, 20, 110, 60}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := c.Infer(context.Background(), task)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Seq != task.Seq {
		t.Errorf("Seq: got %d, want %d", res.Seq, task.Seq)
	}
	if len(res.Plates) != 1 || res.Plates[0].Text != "GX55 ZNK" {
		t.Errorf("Plates: got %+v", res.Plates)
	}
	if string(res.JPEG) != string(task.JPEG) {
		t.Error("result does not carry the source frame")
	}
}

func TestClientInferErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Infer(context.Background(), testTask()); err == nil {
		t.Error("Infer on 503: got nil error")
	}
}

func TestClientInferTimeout(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: 30 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Infer(context.Background(), testTask()); err == nil {
		t.Error("Infer past timeout: got nil error")
	}
}

func TestClientRequiresEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{}, nil); err == nil {
		t.Error("NewClient without endpoint: got nil error")
	}
}

func TestStaticInfer(t *testing.T) {
	t.Parallel()

	s := &Static{Plates: []media.Plate{{Text: "TEST 1", Confidence: 1}}}
	task := testTask()

	res, err := s.Infer(context.Background(), task)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Seq != task.Seq {
		t.Errorf("Seq: got %d, want %d", res.Seq, task.Seq)
	}
	if len(res.Plates) != 1 || res.Plates[0].Text != "TEST 1" {
		t.Errorf("Plates: got %+v", res.Plates)
	}
}

func TestStaticInferCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	s := &Static{Delay: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Infer(ctx, testTask())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Infer: got nil error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Infer did not honor context cancellation")
	}
}
