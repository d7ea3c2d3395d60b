// Package workerpool bounds how many decoded packets are being handled at
// once across the whole process. Each connection's reader goroutine still
// decodes its own bytes and submits one packet at a time, in order, but the
// handler itself runs through this pool so dispatch concurrency is capped
// rather than growing one goroutine per connection per packet.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent packet dispatch with a weighted semaphore.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool that runs at most maxConcurrent jobs at once.
func New(maxConcurrent int64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Run acquires a pool slot, executes fn on its own goroutine, and blocks the
// caller until fn returns or ctx is cancelled. Blocking the caller (the
// connection's reader goroutine) preserves per-connection ordering: the
// next packet on that connection isn't even decoded from the wire until
// this one's handler has finished, while distinct connections' handlers run
// concurrently up to the pool's weight.
//
// A nil Pool runs fn inline with no bound, for call sites (tests) that don't
// need the indirection.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return ctx.Err()
	}
	defer p.sem.Release(1)

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
