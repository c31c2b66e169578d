package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock. Every After call fires as soon as the
// fake time reaches its deadline; Advance moves time forward.
//
// Waits are recorded so tests can assert on the sequence of requested delays.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	waits   []time.Duration
	notify  chan struct{}
	auto    bool
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, notify: make(chan struct{}, 1)}
}

// NewAuto returns a fake clock that advances itself by the requested
// duration whenever After is called, so waits complete instantly.
func NewAuto(start time.Time) *Fake {
	f := NewFake(start)
	f.auto = true
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	if f.auto {
		f.now = f.now.Add(d)
		ch <- f.now
		return ch
	}
	at := f.now.Add(d)
	if !at.After(f.now) {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: at, ch: ch})
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return ch
}

// Advance moves the clock forward and fires due waiters.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}

// BlockUntil waits until at least n waiters are pending.
func (f *Fake) BlockUntil(n int) {
	for {
		f.mu.Lock()
		pending := len(f.waiters)
		f.mu.Unlock()
		if pending >= n {
			return
		}
		<-f.notify
	}
}

// Waits returns every duration requested through After so far.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}
