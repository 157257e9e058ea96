package actor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startWorkerLoop runs the child side of the worker protocol over an
// in-process bus, the same serve path RunWorker drives once it has
// reconstructed fd 3. Returns the worker's root actor.
func startWorkerLoop(t *testing.T, bus *pipeBus, registry *DefinitionRegistry, create CreateActorBody) *Actor {
	t.Helper()

	sysCfg := DefaultSystemConfig()
	sysCfg.Definitions = registry
	sys := NewSystem(sysCfg)
	sys.upstreamBus = bus
	sys.upstreamCorr = newCorrelator(bus, "worker-"+create.ID, sys.cfg.Marshallers)

	root, err := bootstrapWorkerActor(sys, bus, registry, create)
	require.NoError(t, err)

	done := make(chan struct{})
	bus.OnMessage(func(env Envelope, handle *os.File) {
		serveWorkerEnvelope(sys, root, bus, env, handle, done)
	})
	t.Cleanup(func() {
		select {
		case <-done:
		default:
			close(done)
		}
	})
	return root
}

func greeterRegistry() *DefinitionRegistry {
	registry := NewDefinitionRegistry()
	registry.Register("greeter", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"hello": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return "Hello " + args[0].(string) + "!", nil
				},
			},
		}, nil
	})
	return registry
}

// The same behaviour answers identically whether dispatched in-memory or
// across the worker envelope protocol.
func TestWorkerProtocolParityWithInMemory(t *testing.T) {
	t.Parallel()
	parentBus, childBus := newBusPair(t)

	registry := greeterRegistry()
	startWorkerLoop(t, childBus, registry, CreateActorBody{
		ID: "worker-actor-1", DefinitionName: "greeter", Mode: ModeForked,
	})

	corr := newCorrelator(parentBus, "parent-side", nil)
	parentBus.OnMessage(func(env Envelope, _ *os.File) {
		if env.Type == EnvActorResponse {
			corr.deliverResponse(env)
		}
	})

	viaWorker, err := corr.ask(context.Background(), "worker-actor-1", "hello", []any{"123"})
	require.NoError(t, err)

	cfg := DefaultSystemConfig()
	cfg.Definitions = registry
	sys := NewSystem(cfg)
	t.Cleanup(func() { _ = sys.Destroy(context.Background()) })
	local, err := sys.CreateActor(context.Background(), "greeter")
	require.NoError(t, err)
	viaMemory, err := local.SendAndReceive(context.Background(), "hello", "123")
	require.NoError(t, err)

	require.Equal(t, "Hello 123!", viaWorker)
	require.Equal(t, viaMemory, viaWorker)
}

// A handler error on a receive request comes back as the error side of
// the actor-response, not a transport failure at the bus level.
func TestWorkerProtocolPropagatesHandlerError(t *testing.T) {
	t.Parallel()
	parentBus, childBus := newBusPair(t)

	registry := NewDefinitionRegistry()
	registry.Register("grumpy", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"poke": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return nil, newConfigErr("do not poke")
				},
			},
		}, nil
	})
	startWorkerLoop(t, childBus, registry, CreateActorBody{
		ID: "worker-actor-2", DefinitionName: "grumpy", Mode: ModeForked,
	})

	corr := newCorrelator(parentBus, "parent-side", nil)
	parentBus.OnMessage(func(env Envelope, _ *os.File) {
		if env.Type == EnvActorResponse {
			corr.deliverResponse(env)
		}
	})

	_, err := corr.ask(context.Background(), "worker-actor-2", "poke", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "do not poke")
}

func TestWorkerProtocolAnswersPing(t *testing.T) {
	t.Parallel()
	parentBus, childBus := newBusPair(t)

	startWorkerLoop(t, childBus, greeterRegistry(), CreateActorBody{
		ID: "worker-actor-3", DefinitionName: "greeter", Mode: ModeForked,
	})

	pongCh := make(chan struct{}, 1)
	parentBus.OnMessage(func(env Envelope, _ *os.File) {
		if env.Type == EnvParentPong {
			pongCh <- struct{}{}
		}
	})

	parentBus.Send(Envelope{Type: EnvParentPing, ActorID: "worker-actor-3"}, nil)
	select {
	case <-pongCh:
	case <-time.After(time.Second):
		t.Fatal("pong never arrived")
	}
}

// The teardown handshake: destroy-actor -> actor-destroyed ->
// actor-destroyed-ack, with the worker's root actually destroyed in
// between.
func TestWorkerProtocolDestroyHandshake(t *testing.T) {
	t.Parallel()
	parentBus, childBus := newBusPair(t)

	root := startWorkerLoop(t, childBus, greeterRegistry(), CreateActorBody{
		ID: "worker-actor-4", DefinitionName: "greeter", Mode: ModeForked,
	})

	destroyedCh := make(chan Envelope, 1)
	parentBus.OnMessage(func(env Envelope, _ *os.File) {
		if env.Type == EnvActorDestroyed {
			destroyedCh <- env
		}
	})

	parentBus.Send(Envelope{Type: EnvDestroyActor, ID: "d-1", ActorID: "worker-actor-4"}, nil)

	select {
	case env := <-destroyedCh:
		require.Equal(t, "d-1", env.ID)
	case <-time.After(time.Second):
		t.Fatal("actor-destroyed never arrived")
	}
	require.Equal(t, StateDestroyed, root.State())
}

// An actor reference passed as a message argument marshals into an
// InterProcessReference, and the worker resolves it into a proxy whose
// sends travel back over the same bus by actor ID.
func TestWorkerProtocolReferenceRoundTrip(t *testing.T) {
	t.Parallel()
	parentBus, childBus := newBusPair(t)

	registry := NewDefinitionRegistry()
	repliedCh := make(chan any, 1)
	registry.Register("callback-user", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"callMeBack": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					ref, ok := args[0].(Ref)
					if !ok {
						return nil, newMarshalErr("argument was not a reference", nil)
					}
					res, err := ref.SendAndReceive(ctx, "whoAreYou")
					if err != nil {
						return nil, err
					}
					repliedCh <- res
					return "done", nil
				},
			},
		}, nil
	})
	startWorkerLoop(t, childBus, registry, CreateActorBody{
		ID: "worker-actor-5", DefinitionName: "callback-user", Mode: ModeForked,
	})

	// Parent-side system hosting the actor the reference points at.
	parentSysCfg := DefaultSystemConfig()
	parentRegistry := NewDefinitionRegistry()
	parentRegistry.Register("identity", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"whoAreYou": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return "the parent-side actor", nil
				},
			},
		}, nil
	})
	parentSysCfg.Definitions = parentRegistry
	parentSys := NewSystem(parentSysCfg)
	t.Cleanup(func() { _ = parentSys.Destroy(context.Background()) })

	hostRef, err := parentSys.CreateActor(context.Background(), "identity")
	require.NoError(t, err)

	corr := newCorrelator(parentBus, "parent-side", parentSys.cfg.Marshallers)
	parentBus.OnMessage(func(env Envelope, handle *os.File) {
		switch env.Type {
		case EnvActorResponse:
			corr.deliverResponse(env)
		case EnvActorMessage:
			go dispatchInboundMessage(parentSys, parentBus, "worker-actor-5", env, handle)
		}
	})

	res, err := corr.ask(context.Background(), "worker-actor-5", "callMeBack", []any{hostRef})
	require.NoError(t, err)
	require.Equal(t, "done", res)

	select {
	case reply := <-repliedCh:
		require.Equal(t, "the parent-side actor", reply)
	case <-time.After(time.Second):
		t.Fatal("callback reply never observed")
	}
}
