// Package engine runs an operation over many items with bounded
// concurrency. Every item is attempted once; one failure never stops the
// rest.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"moontele/internal/transport"
)

// DefaultLimit is the in-flight cap used when a caller passes limit <= 0.
const DefaultLimit = 5

var (
	ErrOverlapSkip = errors.New("skipped: previous run still in progress")
	ErrPanic       = errors.New("operation panicked")
)

// Result is the outcome slot of one item. Only the goroutine running that
// item writes it.
type Result[T any] struct {
	Item  T
	Index int
	Err   error
	Took  time.Duration
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Summary aggregates a run.
type Summary struct {
	Total  int
	OK     int
	Failed int
	ByKind map[transport.Kind]int
}

// Run applies fn to every item with at most limit calls in flight.
// Results are returned in input order. Items that could not start before ctx
// ended carry ctx.Err(); a panic in fn becomes that item's error.
func Run[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) []Result[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	results := make([]Result[T], len(items))
	sem := newSemaphore(limit)

	var wg sync.WaitGroup
	for i, item := range items {
		results[i] = Result[T]{Item: item, Index: i}
		if !sem.acquire(ctx) {
			for j := i; j < len(items); j++ {
				results[j] = Result[T]{Item: items[j], Index: j, Err: ctx.Err()}
			}
			break
		}
		wg.Add(1)
		go func(slot *Result[T]) {
			defer wg.Done()
			defer sem.release()
			start := time.Now()
			slot.Err = call(ctx, slot.Item, fn)
			slot.Took = time.Since(start)
		}(&results[i])
	}
	wg.Wait()
	return results
}

func call[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx, item)
}

// Summarize counts successes and failures, grouping failures by kind.
func Summarize[T any](results []Result[T]) Summary {
	s := Summary{Total: len(results), ByKind: map[transport.Kind]int{}}
	for _, r := range results {
		if r.Err == nil {
			s.OK++
			continue
		}
		s.Failed++
		s.ByKind[transport.Classify(r.Err)]++
	}
	return s
}

// Errors returns the failed results.
func Errors[T any](results []Result[T]) []Result[T] {
	var out []Result[T]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
