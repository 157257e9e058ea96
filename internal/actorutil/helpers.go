// Package actorutil provides convenience functions for working with
// actor.Ref values: synchronous-style ask helpers, fan-out across several
// references, and small combinators over the resulting fn.Result slices.
package actorutil

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/meshactor/mesh/internal/baselib/actor"
)

// AskAwait sends a request/response message to ref and returns its result
// or error directly, rather than the bare (any, error) SendAndReceive
// already gives you; it exists for symmetry with AskAwaitTyped below.
func AskAwait(ctx context.Context, ref actor.Ref, topic string, args ...any) (any, error) {
	return ref.SendAndReceive(ctx, topic, args...)
}

// AskAwaitTyped is like AskAwait but additionally asserts the response to
// type T, useful when a handler's return value is known to be a specific
// concrete type even though Ref's surface is untyped any.
func AskAwaitTyped[T any](ctx context.Context, ref actor.Ref, topic string, args ...any) (T, error) {
	resp, err := AskAwait(ctx, ref, topic, args...)
	if err != nil {
		var zero T
		return zero, err
	}

	typed, ok := resp.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected response type: got %T, want %T", resp, zero)
	}
	return typed, nil
}

// TellAll sends topic to every ref in refs using fire-and-forget semantics.
func TellAll(ctx context.Context, refs []actor.Ref, topic string, args ...any) {
	for _, ref := range refs {
		ref.Send(ctx, topic, args...)
	}
}

// ParallelAsk sends topic to every ref in refs concurrently and collects
// all results, in the same order as refs.
func ParallelAsk(ctx context.Context, refs []actor.Ref, topic string, args ...any) []fn.Result[any] {
	type indexed struct {
		idx int
		res fn.Result[any]
	}
	resultCh := make(chan indexed, len(refs))
	for i, ref := range refs {
		go func(idx int, r actor.Ref) {
			val, err := r.SendAndReceive(ctx, topic, args...)
			if err != nil {
				resultCh <- indexed{idx, fn.Err[any](err)}
				return
			}
			resultCh <- indexed{idx, fn.Ok(val)}
		}(i, ref)
	}

	results := make([]fn.Result[any], len(refs))
	for range refs {
		r := <-resultCh
		results[r.idx] = r.res
	}
	return results
}

// FirstSuccess sends topic to every ref in refs concurrently and returns
// the first successful response. If every ref errors, the last error
// observed is returned.
func FirstSuccess(ctx context.Context, refs []actor.Ref, topic string, args ...any) (any, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("no actors provided")
	}

	type result struct {
		val any
		err error
	}
	resultCh := make(chan result, len(refs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, ref := range refs {
		go func(r actor.Ref) {
			val, err := r.SendAndReceive(ctx, topic, args...)
			select {
			case resultCh <- result{val, err}:
			case <-ctx.Done():
			}
		}(ref)
	}

	var lastErr error
	for range refs {
		select {
		case res := <-resultCh:
			if res.err == nil {
				cancel()
				return res.val, nil
			}
			lastErr = res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// MapResponses transforms a slice of results using mapFn; error results
// are passed through unchanged.
func MapResponses[R, T any](results []fn.Result[R], mapFn func(R) T) []fn.Result[T] {
	mapped := make([]fn.Result[T], len(results))
	for i, r := range results {
		val, err := r.Unpack()
		if err != nil {
			mapped[i] = fn.Err[T](err)
		} else {
			mapped[i] = fn.Ok(mapFn(val))
		}
	}
	return mapped
}

// CollectSuccesses filters results down to the successful values, discarding
// errors.
func CollectSuccesses[R any](results []fn.Result[R]) []R {
	var successes []R
	for _, r := range results {
		if val, err := r.Unpack(); err == nil {
			successes = append(successes, val)
		}
	}
	return successes
}

// AllSucceeded reports whether every result in results is successful.
func AllSucceeded[R any](results []fn.Result[R]) bool {
	for _, r := range results {
		if _, err := r.Unpack(); err != nil {
			return false
		}
	}
	return true
}

// FirstError returns the first error among results, or nil if all
// succeeded.
func FirstError[R any](results []fn.Result[R]) error {
	for _, r := range results {
		if _, err := r.Unpack(); err != nil {
			return err
		}
	}
	return nil
}
