package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/ingest"
)

// dialTimeout bounds how long a Pull waits for the remote SRT handshake.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address  string `json:"address"`
	FeedKey  string `json:"feedKey"`
	StreamID string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT listeners and
// streaming their data into the feed sink.
type Caller struct {
	log  *slog.Logger
	sink ingest.Sink

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that attaches pulled streams through the
// given sink. If log is nil, slog.Default() is used.
func NewCaller(sink ingest.Sink, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:   log.With("component", "srt-caller"),
		sink:  sink,
		pulls: make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success, streaming
// continues in a background goroutine until Stop or disconnect.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if req.FeedKey == "" {
		return fmt.Errorf("feedKey is required")
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.FeedKey]; exists {
		c.mu.Unlock()
		return fmt.Errorf("pull already active for feed %q", req.FeedKey)
	}
	c.mu.Unlock()

	c.log.Info("dialing", "address", req.Address, "feed", req.FeedKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	streamID := req.StreamID
	if streamID == "" {
		streamID = "live/" + req.FeedKey
	}
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		// Drain the dial result in the background and close any leaked
		// connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.FeedKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("pull already active for feed %q", req.FeedKey)
	}
	c.pulls[req.FeedKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	input, err := c.sink.Attach(pullCtx, req.FeedKey, ingest.ProtocolSRTPull, req.Address)
	if err != nil {
		c.mu.Lock()
		delete(c.pulls, req.FeedKey)
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("attach feed %q: %w", req.FeedKey, err)
	}

	c.log.Info("connected", "address", req.Address, "feed", req.FeedKey)

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.pulls, req.FeedKey)
			c.mu.Unlock()
		}()
		// Stop cancels pullCtx; closing the socket unblocks the read.
		release := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer release()

		n, err := ingest.Copy(pullCtx, conn, input, readBufferSize)
		if err != nil && pullCtx.Err() == nil {
			c.log.Debug("read error", "feed", req.FeedKey, "error", err)
		}
		c.log.Info("pull ended", "feed", req.FeedKey, "bytes", n)
	}()

	return nil
}

// Stop cancels an active pull by feed key. The source connection closes
// and the feed's pipeline winds down as if the source had disconnected.
func (c *Caller) Stop(feedKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[feedKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for feed %q", feedKey)
	}

	ap.cancel()
	return nil
}

// ActivePulls returns the requests of all running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
