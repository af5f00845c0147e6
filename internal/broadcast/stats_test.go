package broadcast

import (
	"sync"
	"testing"
)

func TestFeedStatsCounters(t *testing.T) {
	t.Parallel()

	fs := NewFeedStats("cam1")

	fs.RecordFrameObserved(1000)
	fs.RecordFrameObserved(2000)
	fs.RecordFrameKept(0, 1000)
	fs.RecordFrameDecimated()
	fs.RecordContinuation(500)
	fs.RecordQueueEvicted(3)

	snap := fs.SegmenterSnapshot()
	if got, want := snap.FramesObserved, uint64(2); got != want {
		t.Errorf("FramesObserved = %d, want %d", got, want)
	}
	if got, want := snap.FramesKept, uint64(1); got != want {
		t.Errorf("FramesKept = %d, want %d", got, want)
	}
	if got, want := snap.FramesDecimated, uint64(1); got != want {
		t.Errorf("FramesDecimated = %d, want %d", got, want)
	}
	if got, want := snap.ContinuationChunks, uint64(1); got != want {
		t.Errorf("ContinuationChunks = %d, want %d", got, want)
	}
	if got, want := snap.BytesObserved, int64(3500); got != want {
		t.Errorf("BytesObserved = %d, want %d", got, want)
	}
	if got, want := fs.QueueEvicted(), uint64(3); got != want {
		t.Errorf("QueueEvicted = %d, want %d", got, want)
	}
}

func TestFeedStatsTracksLastKeptSeq(t *testing.T) {
	t.Parallel()

	fs := NewFeedStats("cam1")
	fs.RecordFrameKept(0, 100)
	fs.RecordFrameKept(3, 100)
	fs.RecordFrameKept(6, 100)

	if got, want := fs.SegmenterSnapshot().LastKeptSeq, uint64(6); got != want {
		t.Errorf("LastKeptSeq = %d, want %d", got, want)
	}
}

func TestFeedStatsConcurrentRecorders(t *testing.T) {
	t.Parallel()

	fs := NewFeedStats("cam1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				fs.RecordFrameObserved(10)
				fs.RecordFrameDecimated()
			}
		}()
	}
	wg.Wait()

	snap := fs.SegmenterSnapshot()
	if got, want := snap.FramesObserved, uint64(800); got != want {
		t.Errorf("FramesObserved = %d, want %d", got, want)
	}
	if got, want := snap.FramesDecimated, uint64(800); got != want {
		t.Errorf("FramesDecimated = %d, want %d", got, want)
	}
	if got, want := snap.BytesObserved, int64(8000); got != want {
		t.Errorf("BytesObserved = %d, want %d", got, want)
	}
}
