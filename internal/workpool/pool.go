// Package workpool provides one bounded worker pool shared by every package
// run in a process.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of tasks running at once across all callers.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// New creates a pool with size slots. size below 1 is treated as 1.
func New(size int) *Pool {
	n := int64(max(size, 1))
	return &Pool{size: n, sem: semaphore.NewWeighted(n)}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Run executes fn for i in [0, n), each holding one pool slot, and waits for
// all of them. The first error cancels the context passed to tasks that have
// not started yet and is returned; tasks that must not abort siblings should
// record their failure and return nil.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		if err := p.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
