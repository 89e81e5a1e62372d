package future

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many bodies run at once. The zero value and a nil *Pool
// are both unbounded.
type Pool struct {
	sem      *semaphore.Weighted
	max      int
	inFlight atomic.Int64
}

// NewPool creates a pool running at most maxWorkers bodies concurrently.
// maxWorkers <= 0 means unbounded.
func NewPool(maxWorkers int) *Pool {
	p := &Pool{max: maxWorkers}
	if maxWorkers > 0 {
		p.sem = semaphore.NewWeighted(int64(maxWorkers))
	}
	return p
}

// MaxWorkers returns the concurrency limit, 0 when unbounded.
func (p *Pool) MaxWorkers() int {
	if p == nil || p.max < 0 {
		return 0
	}
	return p.max
}

// InFlight returns the number of bodies currently running.
func (p *Pool) InFlight() int64 {
	if p == nil {
		return 0
	}
	return p.inFlight.Load()
}

type workerKey struct{}

// holds reports whether ctx was handed to a body running on p.
func (p *Pool) holds(ctx context.Context) bool {
	w, _ := ctx.Value(workerKey{}).(*Pool)
	return w == p
}

// Submit runs body on a worker goroutine owned by p. The caller never
// blocks: waiting for a free slot happens on the worker. If ctx is done
// before a slot frees up, the future fails with ctx.Err() and body is
// never run.
//
// body receives ctx marked as running on p. Submitting to p again with that
// context, or one derived from it, does not wait for a slot: the parent
// already holds one and may be waiting on the nested future.
func Submit[T any](ctx context.Context, p *Pool, body func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	go func() {
		if p != nil && p.sem != nil && !p.holds(ctx) {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				var zero T
				f.resolve(zero, err)
				return
			}
			defer p.sem.Release(1)
		}

		wctx := ctx
		if p != nil {
			p.inFlight.Add(1)
			defer p.inFlight.Add(-1)
			wctx = context.WithValue(ctx, workerKey{}, p)
		}

		v, err := invoke(func() (T, error) { return body(wctx) })
		f.resolve(v, err)
	}()

	return f
}
