package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, NewFake(time.Unix(0, 0)), time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
}

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	start := time.Unix(1000, 0)
	f := NewFake(start)
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), f, 5*time.Second) }()

	f.BlockUntil(1)
	f.Advance(4 * time.Second)
	select {
	case <-done:
		t.Fatalf("sleep returned before deadline")
	case <-time.After(20 * time.Millisecond):
	}
	f.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("Sleep err = %v", err)
	}
	if got := f.Now().Sub(start); got != 5*time.Second {
		t.Fatalf("elapsed = %v, want 5s", got)
	}
}

func TestAutoRecordsWaits(t *testing.T) {
	t.Parallel()
	f := NewAuto(time.Unix(0, 0))
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		if err := Sleep(context.Background(), f, d); err != nil {
			t.Fatalf("Sleep err = %v", err)
		}
	}
	w := f.Waits()
	if len(w) != 2 || w[0] != time.Second || w[1] != 2*time.Second {
		t.Fatalf("waits = %v", w)
	}
	if f.Now() != time.Unix(3, 0) {
		t.Fatalf("now = %v", f.Now())
	}
}
