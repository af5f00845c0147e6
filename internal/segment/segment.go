// Package segment splits an MJPEG byte stream into individual JPEG frames,
// assigns each frame a sequence number, and decimates the stream by keeping
// every Nth frame. Kept frames are cloned into FrameTasks and pushed onto the
// work queue without ever blocking the producer.
package segment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/media"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/queue"
)

// soiMarker is the JPEG start-of-image marker. Every frame in an MJPEG
// stream begins with it, which is what makes boundary detection a two-byte
// prefix check.
var soiMarker = []byte{0xFF, 0xD8}

const (
	readBufferSize = 64 * 1024

	// maxPendingFrame bounds the accumulator used by Run. A frame that grows
	// past this without a following start marker is flushed as-is rather than
	// buffered forever.
	maxPendingFrame = 16 * 1024 * 1024
)

// StatsRecorder is the interface accepted by Segmenter for recording frame
// telemetry. The broadcast layer's FeedStats implements this interface.
type StatsRecorder interface {
	RecordFrameObserved(bytes int64)
	RecordFrameKept(seq uint64, bytes int64)
	RecordFrameDecimated()
	RecordContinuation(bytes int64)
	RecordQueueEvicted(n int)
}

// Segmenter turns a chunked MJPEG byte stream into decimated FrameTasks.
// Sources that already deliver one frame per chunk (cameras, multipart
// parts, SRT handlers) feed Observe directly; reader-backed feeds use Run,
// which reassembles frames that span multiple reads before observing them.
type Segmenter struct {
	log       *slog.Logger
	out       *queue.Queue[*media.FrameTask]
	keepEvery atomic.Int64
	counter   atomic.Uint64
	stats     StatsRecorder
}

// New creates a Segmenter that pushes kept frames to out. keepEvery is the
// decimation factor N: the frames whose sequence numbers are multiples of N
// are kept, the rest are counted and discarded. Values below 1 are treated
// as 1 (keep everything). If log is nil, slog.Default() is used.
func New(out *queue.Queue[*media.FrameTask], keepEvery int, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	s := &Segmenter{
		log: log.With("component", "segment"),
		out: out,
	}
	s.SetKeepEvery(keepEvery)
	return s
}

// SetStats attaches a StatsRecorder that receives telemetry callbacks for
// every chunk the segmenter observes.
func (s *Segmenter) SetStats(r StatsRecorder) {
	s.stats = r
}

// SetKeepEvery changes the decimation factor for subsequent frames. The
// counter is not reset: kept sequence numbers remain anchored at zero, so
// after a change they are the multiples of the new factor.
func (s *Segmenter) SetKeepEvery(n int) {
	if n < 1 {
		n = 1
	}
	s.keepEvery.Store(int64(n))
}

// KeepEvery returns the current decimation factor.
func (s *Segmenter) KeepEvery() int {
	return int(s.keepEvery.Load())
}

// FramesObserved returns how many frame boundaries have been seen so far.
func (s *Segmenter) FramesObserved() uint64 {
	return s.counter.Load()
}

// Observe feeds one chunk of the stream. A chunk beginning with the JPEG
// start marker begins a new frame: the current counter value becomes the
// frame's sequence number, and if that number is a multiple of the keep
// factor the chunk is cloned into a FrameTask and enqueued. Chunks without
// the marker are continuation bytes of the current frame: they are counted
// but never independently decimated and never advance the counter.
// Observe never blocks, regardless of queue depth.
func (s *Segmenter) Observe(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if !bytes.HasPrefix(chunk, soiMarker) {
		if s.stats != nil {
			s.stats.RecordContinuation(int64(len(chunk)))
		}
		return
	}

	seq := s.counter.Add(1) - 1
	if s.stats != nil {
		s.stats.RecordFrameObserved(int64(len(chunk)))
	}

	n := uint64(s.keepEvery.Load())
	if seq%n != 0 {
		if s.stats != nil {
			s.stats.RecordFrameDecimated()
		}
		return
	}

	task := &media.FrameTask{
		Seq:      seq,
		JPEG:     bytes.Clone(chunk),
		Captured: time.Now(),
	}
	if evicted := s.out.Push(task); evicted > 0 {
		if s.stats != nil {
			s.stats.RecordQueueEvicted(evicted)
		}
		s.log.Warn("work queue at capacity, evicted oldest", "evicted", evicted, "seq", seq)
	}
	if s.stats != nil {
		s.stats.RecordFrameKept(seq, int64(len(chunk)))
	}
}

// Run reads the stream from r until EOF or context cancellation, observing
// one complete frame at a time. Frames that span multiple reads are
// accumulated and flushed when the next frame's start marker arrives, so
// reader-backed feeds deliver whole JPEG payloads. Any partial frame held
// at EOF is observed before returning.
func (s *Segmenter) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.emitComplete(pending)
			if len(pending) > maxPendingFrame {
				s.Observe(pending)
				pending = nil
			}
		}
		if err != nil {
			if len(pending) > 0 {
				s.Observe(pending)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// emitComplete observes every complete frame in data and returns the
// unconsumed tail. A frame is complete once the marker of the frame after
// it has arrived. Bytes before the first marker are continuation of a frame
// that began before this reader was attached; they are observed (and
// counted) immediately, except for a trailing 0xFF that could be the first
// half of a marker split across reads.
func (s *Segmenter) emitComplete(data []byte) []byte {
	for {
		if !bytes.HasPrefix(data, soiMarker) {
			i := bytes.Index(data, soiMarker)
			if i < 0 {
				keep := 0
				if len(data) > 0 && data[len(data)-1] == 0xFF {
					keep = 1
				}
				if cut := len(data) - keep; cut > 0 {
					s.Observe(data[:cut])
				}
				return append(data[:0:0], data[len(data)-keep:]...)
			}
			if i > 0 {
				s.Observe(data[:i])
			}
			data = data[i:]
			continue
		}

		next := bytes.Index(data[len(soiMarker):], soiMarker)
		if next < 0 {
			return data
		}
		boundary := next + len(soiMarker)
		s.Observe(data[:boundary])
		data = data[boundary:]
	}
}
