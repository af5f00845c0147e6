// Package inference provides the recognition engines the worker pool runs
// frames through. The real engine is an HTTP client for a remote
// license-plate recognition API; Static is an in-process stand-in for
// tests, examples, and running the node without a model endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/pool"
)

// Compile-time interface checks.
var (
	_ pool.Engine = (*Client)(nil)
	_ pool.Engine = (*Static)(nil)
)

// defaultTimeout bounds a single recognition call when the config does not.
const defaultTimeout = 10 * time.Second

// inferRequest is the wire request: one base64 JPEG per entry.
type inferRequest struct {
	Imgs []string `json:"imgs"`
}

// inferResponse is the wire response for a single-frame request.
type inferResponse struct {
	Plates []media.Plate `json:"license-plates"`
}

// ClientConfig configures the HTTP recognition client.
type ClientConfig struct {
	// Endpoint is the full URL of the recognition API.
	Endpoint string
	// Timeout bounds each call; zero means defaultTimeout.
	Timeout time.Duration
}

// Client calls a remote recognition API over HTTP. A failed call returns an
// error and the task is dropped by the pool; the client itself never
// retries (stale frames are replaced by fresh ones, not retried).
type Client struct {
	log      *slog.Logger
	endpoint string
	timeout  time.Duration
	httpc    *http.Client
}

// NewClient creates a Client for the given endpoint. If log is nil,
// slog.Default() is used.
func NewClient(cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("inference: endpoint is required")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		log:      log.With("component", "inference"),
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		httpc:    &http.Client{},
	}, nil
}

// Infer posts the frame to the recognition API and maps the response onto
// an InferenceResult carrying the source JPEG through for reassembly.
func (c *Client) Infer(ctx context.Context, task *media.FrameTask) (*media.InferenceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(inferRequest{
		Imgs: []string{base64.StdEncoding.EncodeToString(task.JPEG)},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling recognition API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("recognition API status %d: %s", resp.StatusCode, snippet)
	}

	var decoded inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &media.InferenceResult{
		Seq:      task.Seq,
		Plates:   decoded.Plates,
		Captured: task.Captured,
		JPEG:     task.JPEG,
	}, nil
}

// Static is an in-process engine returning a fixed set of plates after an
// optional delay. It lets the full pipeline run without a model endpoint.
type Static struct {
	// Plates is returned for every frame. May be empty.
	Plates []media.Plate
	// Delay simulates inference latency; the context can cut it short.
	Delay time.Duration
}

// Infer returns the configured plates for the frame.
func (s *Static) Infer(ctx context.Context, task *media.FrameTask) (*media.InferenceResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	plates := make([]media.Plate, len(s.Plates))
	copy(plates, s.Plates)
	return &media.InferenceResult{
		Seq:      task.Seq,
		Plates:   plates,
		Captured: task.Captured,
		JPEG:     task.JPEG,
	}, nil
}
