package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/certs"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
)

// StatsProvider is implemented by Pipeline to supply feed statistics for
// the REST API.
type StatsProvider interface {
	Snapshot() FeedSnapshot
}

// FeedLister is a callback that returns the current list of feeds.
type FeedLister func() []FeedInfo

// SnapshotLookup resolves a feed key to its stats snapshot.
type SnapshotLookup func(key string) (FeedSnapshot, bool)

// DebugLookup resolves a feed key to its debug diagnostics.
type DebugLookup func(key string) (FeedDebug, bool)

// RelayLookup resolves a feed key to its relay, or nil if unknown.
type RelayLookup func(key string) *Relay

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, feedKey, streamID string) error

// SRTStopFunc stops an active SRT pull by feed key.
type SRTStopFunc func(feedKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull.
type SRTPullInfo struct {
	Address  string `json:"address"`
	FeedKey  string `json:"feedKey"`
	StreamID string `json:"streamId,omitempty"`
}

// ServerConfig holds the configuration for the broadcast Server, including
// the listen address, TLS certificate, and callback hooks into the rest of
// the node.
type ServerConfig struct {
	Addr     string
	Cert     *certs.Certificate
	Version  string
	Bus      *events.Bus
	Feeds    FeedLister
	Snapshot SnapshotLookup
	Debug    DebugLookup
	Relay    RelayLookup
	SRTPull  SRTPullFunc
	SRTStop  SRTStopFunc
	SRTList  SRTListFunc
}

// Server exposes the node's REST API, the per-feed detection and MJPEG
// streams, and the Prometheus registry. The same handler tree is served
// over HTTPS on TCP and over HTTP/3 on UDP at the same address.
type Server struct {
	config ServerConfig
	log    *slog.Logger

	mu     sync.Mutex
	tcpSrv *http.Server
	h3Srv  *http3.Server
}

// NewServer creates a broadcast Server with the given configuration. It
// returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("broadcast: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("broadcast: Addr is required")
	}
	return &Server{
		config: config,
		log:    slog.With("component", "broadcast"),
	}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/feeds", s.handleListFeeds)
	mux.HandleFunc("GET /api/feeds/{key}/stats", s.handleFeedStats)
	mux.HandleFunc("GET /api/feeds/{key}/debug", s.handleFeedDebug)
	mux.HandleFunc("GET /api/feeds/{key}/detections", s.handleDetections)
	mux.HandleFunc("GET /api/feeds/{key}/stream.mjpeg", s.handleMJPEG)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full API handler tree with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over TCP TLS and HTTP/3 until ctx is cancelled or
// either listener fails. Long-lived detection and MJPEG streams are torn
// down by closing the listeners rather than waiting for them to finish.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	tlsConf := s.config.Cert.TLSConfig()

	s.mu.Lock()
	s.tcpSrv = &http.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: tlsConf,
	}
	s.h3Srv = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: tlsConf,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.mu.Unlock()

	s.log.Info("broadcast server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tcpSrv.Close()
		s.h3Srv.Close()
	})
	defer stop()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.tcpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.h3Srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	if s.config.Feeds == nil {
		writeJSON(w, http.StatusOK, []FeedInfo{})
		return
	}
	feeds := s.config.Feeds()
	if feeds == nil {
		feeds = []FeedInfo{}
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleFeedStats(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.config.Snapshot == nil {
		writeError(w, http.StatusNotImplemented, "stats not configured")
		return
	}
	snap, ok := s.config.Snapshot(key)
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFeedDebug(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.config.Debug == nil {
		writeError(w, http.StatusNotImplemented, "debug not configured")
		return
	}
	dbg, ok := s.config.Debug(key)
	if !ok {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	writeJSON(w, http.StatusOK, dbg)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

type srtPullRequest struct {
	Address  string `json:"address"`
	FeedKey  string `json:"feedKey"`
	StreamID string `json:"streamId"`
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}

	var req srtPullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.FeedKey == "" {
		writeError(w, http.StatusBadRequest, "address and feedKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.FeedKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "feedKey": req.FeedKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	feedKey := r.URL.Query().Get("feedKey")
	if feedKey == "" {
		writeError(w, http.StatusBadRequest, "feedKey query parameter required")
		return
	}
	if err := s.config.SRTStop(feedKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "feedKey": feedKey})
}
