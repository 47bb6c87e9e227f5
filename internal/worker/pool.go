// Package worker bounds how many store calls run at once.
//
// Every connection has its own goroutine, so a slow query never stalls
// delivery to other connections. What the pool adds is a ceiling: a
// burst of inbound messages cannot open more concurrent store operations
// than the database pool can serve, and callers wait their turn instead.
package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewPool returns a pool admitting size concurrent calls (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size is the concurrency ceiling.
func (p *Pool) Size() int { return int(p.size) }

// Do waits for a slot, runs fn and returns its result. If ctx ends while
// waiting, fn never runs.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("acquire store worker: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Exec is Do for calls with no result.
func Exec(ctx context.Context, p *Pool, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
