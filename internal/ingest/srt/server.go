package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/ingest"
)

// readBufferSize is the read buffer for SRT socket reads.
const readBufferSize = ingest.DefaultBufferSize

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts incoming SRT publish connections and hands each one to
// the feed sink. The stream ID of the handshake names the feed.
type Server struct {
	log  *slog.Logger
	addr string
	sink ingest.Sink
}

// NewServer creates an SRT server that listens on addr and attaches
// incoming publishes through the given sink. If log is nil, slog.Default()
// is used.
func NewServer(addr string, sink ingest.Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "srt-server"),
		addr: addr,
		sink: sink,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		feedKey := extractFeedKey(conn.StreamID())
		s.log.Info("publish", "feed", feedKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, feedKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, feedKey string) {
	defer conn.Close()
	// srtgo reads do not honor ctx; closing the socket unblocks them.
	release := context.AfterFunc(ctx, func() { conn.Close() })
	defer release()

	input, err := s.sink.Attach(ctx, feedKey, ingest.ProtocolSRT, conn.RemoteAddr().String())
	if err != nil {
		s.log.Warn("rejecting publish", "feed", feedKey, "error", err)
		return
	}

	n, err := ingest.Copy(ctx, conn, input, readBufferSize)
	if err != nil && ctx.Err() == nil {
		s.log.Debug("read loop ended", "feed", feedKey, "error", err)
	}
	s.log.Info("publish ended", "feed", feedKey, "bytes", n)
}

func extractFeedKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
