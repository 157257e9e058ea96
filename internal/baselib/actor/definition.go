package actor

import "context"

// Mode identifies the execution locus of an actor relative to its creator.
type Mode string

const (
	// ModeInMemory runs the actor on the creating process, same thread of
	// control as its parent.
	ModeInMemory Mode = "in-memory"

	// ModeForked runs the actor in a child OS process on the same host.
	ModeForked Mode = "forked"

	// ModeRemote runs the actor in a child OS process on a (possibly)
	// different host, reached over TCP.
	ModeRemote Mode = "remote"
)

// HandlerFunc processes one message delivered to a topic. self gives the
// handler access to its own actor's lifecycle surface (child creation,
// logging, custom parameters); args are the variadic payload the caller
// passed to Send/SendAndReceive. The return value, for a SendAndReceive
// invocation, becomes the response; for a fire-and-forget Send it is
// discarded once any error has been logged.
//
// A handler may return a Deferred instead of a concrete value to signal
// that its result isn't ready yet; the dispatcher resolves it before
// completing the caller's request.
type HandlerFunc func(ctx context.Context, self *ActorContext, args ...any) (any, error)

// Deferred is returned by a handler in place of a concrete value when the
// result needs further asynchronous work to produce. Resolve is called by
// the dispatcher on the goroutine that invoked the handler, before the
// result is returned to the caller (or, in a forked/remote worker, before
// the response envelope is emitted).
type Deferred interface {
	Resolve(ctx context.Context) (any, error)
}

// DeferredFunc adapts a plain function into a Deferred.
type DeferredFunc func(ctx context.Context) (any, error)

// Resolve implements Deferred.
func (f DeferredFunc) Resolve(ctx context.Context) (any, error) { return f(ctx) }

// MetricsFunc produces the actor's own metric map, to be merged with its
// children's metrics by name in Actor.Metrics.
type MetricsFunc func(ctx context.Context, self *ActorContext) map[string]any

// LifecycleFunc backs the optional initialize/destroy hooks.
type LifecycleFunc func(ctx context.Context, self *ActorContext) error

// Definition is the user-supplied record a new actor is constructed from:
// a topic-to-handler mapping plus optional lifecycle hooks. It is a
// capability record rather than an interface hierarchy, following the
// design note to prefer tagged data over inheritance for dynamic dispatch.
type Definition struct {
	// Handlers maps a topic string to the function that answers it.
	Handlers map[string]HandlerFunc

	// Initialize runs once, before the actor's state moves from new to
	// ready. May run for a while (e.g. open a connection); the actor
	// rejects all sends until it completes.
	Initialize LifecycleFunc

	// Destroy runs once, after all children have been destroyed and
	// before the actor's own state moves to destroyed.
	Destroy LifecycleFunc

	// Metrics optionally reports the actor's own metrics; omit to
	// report none.
	Metrics MetricsFunc

	// ResourceCloser, if set, is invoked after Destroy returns and
	// releases any external resource the behavior otherwise manages
	// directly (a DB handle, a listening socket the behavior itself
	// owns outside the marshalled-handle path).
	ResourceCloser func() error
}

// Handle looks up the handler for a topic, returning ok=false if none is
// registered.
func (d Definition) Handle(topic string) (HandlerFunc, bool) {
	if d.Handlers == nil {
		return nil, false
	}
	h, ok := d.Handlers[topic]
	return h, ok
}

// DefinitionFactory builds a fresh Definition instance. Forked and remote
// workers resolve a definition by name through the process-wide
// DefinitionRegistry (module-path dispatch, see registry_defs.go) rather
// than receiving serialized behavior code, per the design note that
// favors typed, registered factories over shipping source across a
// process boundary.
type DefinitionFactory func(customParameters map[string]any) (Definition, error)
