package engine

import (
	"context"
	"sync"
)

// semaphore is a channel-based counting semaphore. Tokens are pre-filled
// up to limit; the limit is fixed for its lifetime.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &semaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// acquire blocks for a token or until ctx ends.
func (s *semaphore) acquire(ctx context.Context) bool {
	// A cancelled context wins over a free token.
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.ch:
		return true
	}
}

func (s *semaphore) release() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// RunState gates overlapping runs of the same job: a second TryAcquire
// fails while the first run holds it.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) Release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Running reports whether a run currently holds the gate.
func (s *RunState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}
