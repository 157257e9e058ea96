package actor

import (
	"context"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// RoundRobinBalancer fans a single Ref out over a fixed set of children,
// picking the next one in turn for each Send/SendAndReceive. It backs a
// cluster of forked workers or a multi-host remote target: the caller
// holds one Ref and never sees which child actually answered a given
// request.
type RoundRobinBalancer struct {
	id       string
	mode     Mode
	children []Ref
	next     atomic.Uint64
}

// NewRoundRobinBalancer builds a balancer over children, which must be
// non-empty and should (though it isn't enforced) all share the same
// Mode; Mode() reports the first child's mode as the cluster's own.
func NewRoundRobinBalancer(id string, children []Ref) *RoundRobinBalancer {
	mode := ModeInMemory
	if len(children) > 0 {
		mode = children[0].Mode()
	}
	cs := make([]Ref, len(children))
	copy(cs, children)
	return &RoundRobinBalancer{id: id, mode: mode, children: cs}
}

func (b *RoundRobinBalancer) ID() string   { return b.id }
func (b *RoundRobinBalancer) Name() string { return b.id }
func (b *RoundRobinBalancer) Mode() Mode   { return b.mode }

func (b *RoundRobinBalancer) pick() Ref {
	idx := b.next.Add(1) % uint64(len(b.children))
	return b.children[idx]
}

func (b *RoundRobinBalancer) Send(ctx context.Context, topic string, args ...any) {
	b.pick().Send(ctx, topic, args...)
}

func (b *RoundRobinBalancer) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	return b.pick().SendAndReceive(ctx, topic, args...)
}

func (b *RoundRobinBalancer) dispatchSend(ctx context.Context, topic string, args []any) {
	b.pick().Send(ctx, topic, args...)
}

func (b *RoundRobinBalancer) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return b.pick().SendAndReceive(ctx, topic, args...)
}

// Broadcast sends topic to every child, fire-and-forget.
func (b *RoundRobinBalancer) Broadcast(ctx context.Context, topic string, args ...any) {
	for _, c := range b.children {
		c.Send(ctx, topic, args...)
	}
}

// BroadcastAndReceive sends topic to every child and collects every
// response, preserving child order. An individual child's error is
// recorded in place rather than aborting the rest.
func (b *RoundRobinBalancer) BroadcastAndReceive(ctx context.Context, topic string, args ...any) []fn.Result[any] {
	out := make([]fn.Result[any], len(b.children))
	for i, c := range b.children {
		res, err := c.SendAndReceive(ctx, topic, args...)
		if err != nil {
			out[i] = fn.Err[any](err)
			continue
		}
		out[i] = fn.Ok(res)
	}
	return out
}

// destroy tears down every member, in reverse order to match the child
// teardown convention. Members backed by forked/remote proxies release
// their worker processes here.
func (b *RoundRobinBalancer) destroy(ctx context.Context) error {
	var firstErr error
	for i := len(b.children) - 1; i >= 0; i-- {
		handle, ok := b.children[i].(*actorHandle)
		if !ok {
			continue
		}
		if err := handle.a.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns how many children the balancer fans out over.
func (b *RoundRobinBalancer) Size() int { return len(b.children) }

// Children returns a copy of the balancer's child references.
func (b *RoundRobinBalancer) Children() []Ref {
	out := make([]Ref, len(b.children))
	copy(out, b.children)
	return out
}
