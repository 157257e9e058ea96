package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the result of an asynchronous operation. Await blocks
// until the result is available or ctx is cancelled; ThenApply and
// OnComplete compose over the eventual result without blocking the
// caller that registers them.
type Future[T any] interface {
	Await(ctx context.Context) fn.Result[T]
	ThenApply(ctx context.Context, fn func(T) T) Future[T]
	OnComplete(ctx context.Context, f func(fn.Result[T]))
}

// Promise completes an associated Future exactly once; later Complete
// calls are no-ops (reported via the bool return).
type Promise[T any] interface {
	Future() Future[T]
	Complete(result fn.Result[T]) bool
}

type promiseImpl[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	result   fn.Result[T]
	complete bool
}

// NewPromise creates a new, uncompleted Promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{done: make(chan struct{})}
}

func (p *promiseImpl[T]) Future() Future[T] { return (*futureImpl[T])(p) }

func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.complete {
		return false
	}
	p.result = result
	p.complete = true
	close(p.done)
	return true
}

type futureImpl[T any] promiseImpl[T]

func (f *futureImpl[T]) promise() *promiseImpl[T] { return (*promiseImpl[T])(f) }

func (f *futureImpl[T]) Await(ctx context.Context) fn.Result[T] {
	p := f.promise()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result
	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

func (f *futureImpl[T]) ThenApply(ctx context.Context, fn2 func(T) T) Future[T] {
	next := NewPromise[T]()
	go func() {
		res := f.Await(ctx)
		res.WhenOk(func(v T) { next.Complete(fn.Ok(fn2(v))) })
		res.WhenErr(func(err error) { next.Complete(fn.Err[T](err)) })
	}()
	return next.Future()
}

func (f *futureImpl[T]) OnComplete(ctx context.Context, cb func(fn.Result[T])) {
	go func() {
		cb(f.Await(ctx))
	}()
}
