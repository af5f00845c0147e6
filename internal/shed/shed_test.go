package shed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/queue"
)

func fill(q *queue.Queue[int], n int) {
	for i := 0; i < n; i++ {
		q.Push(i)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestShedTrimsToThreshold(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	fill(q, 20)

	s := New("cam0", q, 5, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return q.Depth() == 5 }, "shed cycle")

	if got := s.Dropped(); got != 15 {
		t.Errorf("Dropped: got %d, want 15", got)
	}
	if got := s.Cycles(); got != 1 {
		t.Errorf("Cycles: got %d, want 1", got)
	}

	// The five newest survive in FIFO order.
	for want := 15; want < 20; want++ {
		v, ok := q.TryPull()
		if !ok || v != want {
			t.Errorf("surviving task: got (%d, %v), want (%d, true)", v, ok, want)
		}
	}
}

func TestNoShedAtOrBelowThreshold(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	fill(q, 5)

	s := New("cam0", q, 5, 2*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := s.Dropped(); got != 0 {
		t.Errorf("Dropped: got %d, want 0", got)
	}
	if got := q.Depth(); got != 5 {
		t.Errorf("Depth: got %d, want 5", got)
	}
}

func TestThresholdZeroDisables(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	fill(q, 20)

	s := New("cam0", q, 0, 2*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := q.Depth(); got != 20 {
		t.Errorf("Depth: got %d, want 20 (shedding disabled)", got)
	}
}

func TestDisarmStopsShedding(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	s := New("cam0", q, 3, 2*time.Millisecond, nil)
	s.Disarm()

	fill(q, 20)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := q.Depth(); got != 20 {
		t.Errorf("Depth after disarm: got %d, want 20", got)
	}
	if got := s.Dropped(); got != 0 {
		t.Errorf("Dropped after disarm: got %d, want 0", got)
	}
}

func TestSetThresholdLive(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	fill(q, 10)

	s := New("cam0", q, 0, 2*time.Millisecond, nil) // starts disabled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if got := q.Depth(); got != 10 {
		t.Fatalf("Depth while disabled: got %d, want 10", got)
	}

	s.SetThreshold(3)
	waitFor(t, func() bool { return q.Depth() == 3 }, "shed after SetThreshold")
}

func TestOnShedCallback(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	fill(q, 12)

	s := New("cam0", q, 4, 2*time.Millisecond, nil)
	var gotDropped, gotDepth atomic.Int64
	s.OnShed(func(dropped, depth int) {
		gotDropped.Store(int64(dropped))
		gotDepth.Store(int64(depth))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return gotDropped.Load() == 8 }, "shed callback")
	if got := gotDepth.Load(); got != 12 {
		t.Errorf("callback depth: got %d, want 12", got)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	q := queue.New[int](0)
	s := New("cam0", q, 5, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
