// Package mjpeg pulls Motion-JPEG streams from HTTP cameras.
//
// The puller does not parse the multipart container: the whole response
// body, boundary chatter included, streams into the feed input, and the
// segmenter downstream locates the JPEG frame markers. Non-JPEG bytes ride
// along inside the frame they follow, which the recognition engine
// tolerates.
package mjpeg

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/ingest"
)

// Puller maintains one camera's HTTP connection, reconnecting with
// exponential backoff until its context ends.
type Puller struct {
	log    *slog.Logger
	sink   ingest.Sink
	client *http.Client

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPuller creates a Puller that attaches camera streams through the
// given sink. If log is nil, slog.Default() is used.
func NewPuller(sink ingest.Sink, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		log:  log.With("component", "mjpeg-puller"),
		sink: sink,
		// No client timeout: the response body is a live stream. The
		// request context handles cancellation.
		client:         &http.Client{},
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run pulls url into the feed named key until ctx is cancelled. Every
// disconnect is retried; the backoff doubles per failed attempt and resets
// once a session survives for a minute.
func (p *Puller) Run(ctx context.Context, key, url string) error {
	backoff := p.initialBackoff
	for {
		start := time.Now()
		err := p.pullOnce(ctx, key, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Warn("stream interrupted, reconnecting",
				"feed", key, "error", err, "retry_in", backoff)
		} else {
			p.log.Info("stream ended, reconnecting", "feed", key, "retry_in", backoff)
		}

		if time.Since(start) > time.Minute {
			backoff = p.initialBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// pullOnce runs a single connect-and-stream session.
func (p *Puller) pullOnce(ctx context.Context, key, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("camera returned %s", resp.Status)
	}

	input, err := p.sink.Attach(ctx, key, ingest.ProtocolMJPEG, url)
	if err != nil {
		return err
	}
	p.log.Info("connected", "feed", key,
		"content_type", resp.Header.Get("Content-Type"))

	n, err := ingest.Copy(ctx, resp.Body, input, 0)
	p.log.Info("disconnected", "feed", key, "bytes", n)
	return err
}
