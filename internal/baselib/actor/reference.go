package actor

import "context"

// BaseRef is the non-generic sliver of an actor reference: enough to log,
// key a map, or compare for identity across in-memory, forked, and remote
// modes alike.
type BaseRef interface {
	// ID returns the actor's unique identifier.
	ID() string

	// Name returns the actor's (possibly empty) name.
	Name() string

	// Mode returns the actor's execution mode.
	Mode() Mode
}

// Ref is a reference to an actor, usable from any mode after marshalling.
// It is the public handle applications hold instead of an *Actor.
type Ref interface {
	BaseRef

	// Send delivers args to topic without waiting for a response. If the
	// target isn't ready, the failure is logged (not returned) to match
	// fire-and-forget semantics; callers that need the failure should use
	// SendAndReceive.
	Send(ctx context.Context, topic string, args ...any)

	// SendAndReceive delivers args to topic and returns the handler's
	// result (or resolved Deferred). If ctx carries a deadline, a pending
	// forked/remote request is abandoned and fails with a timeout error
	// once the deadline elapses; the eventual late response, if any, is
	// discarded.
	SendAndReceive(ctx context.Context, topic string, args ...any) (any, error)
}

// refImpl is satisfied by whichever concrete actor handle (in-memory,
// forked parent, remote parent, balancer) backs a Ref; dispatch lives on
// *Actor and delegates to this once forwarding/state checks pass.
type refImpl interface {
	Ref
	dispatchSend(ctx context.Context, topic string, args []any)
	dispatchAsk(ctx context.Context, topic string, args []any) (any, error)
}
