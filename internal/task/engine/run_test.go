package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	var active, peak, calls int32
	results := Run(context.Background(), items, 5, func(ctx context.Context, n int) error {
		atomic.AddInt32(&calls, 1)
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		if n%4 == 0 {
			return errors.New("odd failure")
		}
		return nil
	})

	if got := atomic.LoadInt32(&peak); got > 5 {
		t.Fatalf("peak concurrency = %d, want <= 5", got)
	}
	if got := atomic.LoadInt32(&calls); got != 20 {
		t.Fatalf("calls = %d, want 20", got)
	}
	if len(results) != 20 {
		t.Fatalf("results = %d", len(results))
	}
	for i, r := range results {
		if r.Index != i || r.Item != i {
			t.Fatalf("result %d out of order: %+v", i, r)
		}
	}
	sum := Summarize(results)
	if sum.Total != 20 || sum.Failed != 5 || sum.OK != 15 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(Errors(results)) != 5 {
		t.Fatalf("errors = %d", len(Errors(results)))
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	results := Run(context.Background(), []string{"a", "b"}, 0, func(ctx context.Context, s string) error {
		if s == "a" {
			panic("bad item")
		}
		return nil
	})
	if !errors.Is(results[0].Err, ErrPanic) {
		t.Fatalf("results[0].Err = %v", results[0].Err)
	}
	if results[1].Err != nil {
		t.Fatalf("results[1].Err = %v", results[1].Err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	results := Run(ctx, []int{1, 2, 3}, 2, func(ctx context.Context, n int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("result %+v, want context.Canceled", r)
		}
	}
}

func TestRunStateGate(t *testing.T) {
	t.Parallel()
	var s RunState
	if !s.TryAcquire() {
		t.Fatalf("first acquire failed")
	}
	if s.TryAcquire() {
		t.Fatalf("second acquire should fail while running")
	}
	if !s.Running() {
		t.Fatalf("Running = false")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatalf("acquire after release failed")
	}
}
