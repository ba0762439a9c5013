// Package workpool provides the bounded task-dispatch handle that is passed
// explicitly to every component running work concurrently.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs independent work items with a bounded number of goroutines.
// A Pool carries no state between calls and is safe for concurrent use.
type Pool struct {
	workers int
}

// New creates a pool running at most workers items at once. A
// non-positive value selects one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the concurrency limit of the pool.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// Run calls fn for every index in [0, n). Items are started in index order;
// once ctx is cancelled or an item returns an error no further items are
// started, and Run waits for the running ones before returning the first
// error. A nil pool runs everything on the calling goroutine.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if p == nil || p.workers == 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers)

	for i := 0; i < n; i++ {
		if egctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			return fn(egctx, i)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	// cancellation with no failing item still has to surface
	return ctx.Err()
}
