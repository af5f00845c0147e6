// Package ingest connects raw video sources to their processing pipelines.
// Protocol frontends (SRT listener, SRT caller, HTTP MJPEG puller) accept or
// dial sources and shuttle the raw byte stream into the feed input obtained
// from the sink; frame parsing happens downstream in the segmenter, so the
// frontends never interpret the bytes they move.
package ingest

import (
	"context"
	"errors"
	"io"
)

// Ingest protocol names as they appear in the feed list API.
const (
	ProtocolSRT     = "srt"
	ProtocolSRTPull = "srt-pull"
	ProtocolMJPEG   = "mjpeg"
)

// DefaultBufferSize is the read buffer for source reads. SRT delivers
// 1316-byte payloads; ten per read keeps syscall overhead low without
// adding latency.
const DefaultBufferSize = 1316 * 10

// Sink attaches a new feed to its processing pipeline. The stream manager
// implements it; Attach fails when the key is already live.
type Sink interface {
	Attach(ctx context.Context, key, protocol, remote string) (io.WriteCloser, error)
}

// Copy shuttles src into dst until the source ends, the pipeline goes away,
// or ctx is cancelled. It always closes dst so the downstream segmenter
// sees end of input, and returns the byte count along with the error that
// ended the transfer (nil for a clean EOF).
//
// Cancellation is checked between reads; a source whose Read does not honor
// ctx must be closed by the caller to unblock the loop.
func Copy(ctx context.Context, src io.Reader, dst io.WriteCloser, bufSize int) (int64, error) {
	defer dst.Close()

	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	buf := make([]byte, bufSize)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, err
		}
	}
}
