package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
)

// keepaliveInterval is how often an SSE comment line is sent on otherwise
// idle streams so proxies do not time the connection out.
const keepaliveInterval = 15 * time.Second

// mjpegBoundary separates frames in the multipart/x-mixed-replace stream.
const mjpegBoundary = "plateframe"

// handleDetections streams ordered inference results for one feed as
// server-sent events. The subscription is dropped when the client goes
// away or the feed's relay closes.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	relay := s.lookupRelay(key)
	if relay == nil {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, ch, cancel := relay.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("detection stream opened", "feed", key, "subscriber", id)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(res)
			if err != nil {
				s.log.Error("encoding detection event", "feed", key, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: detection\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleMJPEG re-emits the JPEG frames attached to a feed's results as a
// multipart/x-mixed-replace stream, viewable directly in a browser. Only
// frames that survived decimation and shedding appear, so playback rate
// follows the inference rate rather than the camera rate.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	relay := s.lookupRelay(key)
	if relay == nil {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	_, ch, cancel := relay.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			if len(res.JPEG) == 0 {
				continue
			}
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(res.JPEG))
			if _, err := w.Write(res.JPEG); err != nil {
				return
			}
			fmt.Fprint(w, "\r\n")
			flusher.Flush()
		}
	}
}

func (s *Server) lookupRelay(key string) *Relay {
	if s.config.Relay == nil {
		return nil
	}
	return s.config.Relay(key)
}

type eventEnvelope struct {
	kind string
	data []byte
}

// handleEvents streams node lifecycle events (feeds appearing, load
// shedding, worker crashes, pipelines stopping) as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.config.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event bus not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Fan every event kind into one channel. A full channel drops the
	// event; consumers needing a reliable log should use the bus directly.
	ch := make(chan eventEnvelope, 64)
	forward := func(kind string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		select {
		case ch <- eventEnvelope{kind: kind, data: data}:
		default:
		}
	}

	unsubs := []func(){
		events.Subscribe(s.config.Bus, func(ev events.FeedUpEvent) { forward(ev.Kind(), ev) }),
		events.Subscribe(s.config.Bus, func(ev events.FeedDownEvent) { forward(ev.Kind(), ev) }),
		events.Subscribe(s.config.Bus, func(ev events.LoadShedEvent) { forward(ev.Kind(), ev) }),
		events.Subscribe(s.config.Bus, func(ev events.WorkerCrashEvent) { forward(ev.Kind(), ev) }),
		events.Subscribe(s.config.Bus, func(ev events.PipelineStoppedEvent) { forward(ev.Kind(), ev) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
