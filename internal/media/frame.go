// Package media defines the core frame types that flow through the
// plate-reader pipeline, from segmentation through broadcast.
package media

import "time"

// Buffer sizes used to decouple the pipeline stages. The result channel is
// sized to absorb a full burst of in-flight work from every worker plus
// reassembly jitter; the relay buffers are per-subscriber and small, since a
// slow subscriber is dropped-from rather than waited-on.
const (
	ResultBufferSize     = 64
	SubscriberBufferSize = 16
)

// FrameTask is a single JPEG frame selected by the segmenter for inference.
// It is immutable after construction: the segmenter clones the frame bytes
// out of its read buffer before enqueueing.
type FrameTask struct {
	// Seq is the value of the decimation counter when this frame began.
	// Sequence numbers increase monotonically in enqueue order but are not
	// contiguous: decimation keeps only multiples of the keep factor, and
	// load shedding may remove tasks that were already enqueued.
	Seq      uint64
	JPEG     []byte
	Captured time.Time
}

// Plate is a single recognized license plate within a frame.
type Plate struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	// Box is the detection rectangle as [x1, y1, x2, y2] in frame pixels.
	Box [4]int `json:"box"`
}

// InferenceResult is the outcome of running one FrameTask through the
// recognition engine. It carries the source JPEG through the pipeline so the
// broadcaster can reassemble a viewable stream without re-fetching frames.
type InferenceResult struct {
	Seq      uint64        `json:"seq"`
	Plates   []Plate       `json:"plates"`
	Worker   int           `json:"worker"`
	Elapsed  time.Duration `json:"elapsedNs"`
	Captured time.Time     `json:"captured"`
	JPEG     []byte        `json:"-"`
}
