// Package future provides single-assignment results produced by background
// workers, plus the bounded worker pool that runs them.
//
// A Future is resolved exactly once, either with a value or with an error.
// Callers wait on it with a context, so an abandoned request never blocks
// on work that outlives it.
package future

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is a read-only handle to a value that becomes available later.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve stores the outcome. Only the first call has any effect.
func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsResolved reports whether the future already holds its outcome.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. ok is false while the
// future is unresolved.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	if !f.IsResolved() {
		return v, nil, false
	}
	return f.val, f.err, true
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, nil)
	return f
}

// Failed returns a future that already holds err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: newFuture[T]()}
}

// Succeed resolves the promise with v. It returns false if the promise
// was already resolved.
func (p *Promise[T]) Succeed(v T) bool {
	return p.f.resolve(v, nil)
}

// Fail resolves the promise with err.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.f.resolve(zero, err)
}

// Future returns the read side of the promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// PanicError carries a panic recovered from a worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("future: worker panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Run executes body on a new goroutine and returns its future.
func Run[T any](ctx context.Context, body func() (T, error)) *Future[T] {
	return Submit(ctx, nil, func(context.Context) (T, error) { return body() })
}

// WaitAll waits for every future and returns their values in input order,
// regardless of completion order. When any future fails, the first error
// in input order is returned after all of them have resolved.
func WaitAll[T any](ctx context.Context, futures ...*Future[T]) ([]T, error) {
	results := make([]T, len(futures))
	errs := make([]error, len(futures))

	var g errgroup.Group
	for i, f := range futures {
		g.Go(func() error {
			results[i], errs[i] = f.Wait(ctx)
			return errs[i]
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func invoke[T any](body func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return body()
}
