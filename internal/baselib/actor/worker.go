package actor

import (
	"context"
	"os"
	"time"
)

// IsWorkerProcess reports whether the current process was re-exec'd as a
// forked actor worker (see forked.go's spawnForkedChild), the signal
// cmd/actorworker's main checks before deciding whether to call RunWorker
// or run its normal entry point.
func IsWorkerProcess() bool {
	return os.Getenv(workerEnvVar) != ""
}

// inboundFrame pairs an envelope with the OS handle that may have ridden
// alongside it over the pipe bus.
type inboundFrame struct {
	env    Envelope
	handle *os.File
}

// RunWorker is the forked-child-side bootstrap: it reconstructs the
// inherited pipe bus from fd 3, waits for the single create-actor
// envelope every worker receives exactly once, resolves the named
// definition from registry (or DefaultDefinitionRegistry if nil),
// initializes a root actor of that definition in a fresh System, answers
// the create-actor with a correlated actor-response, and then serves
// inbound envelopes until the destroy handshake completes or the bus
// closes. It blocks until the worker is told to exit, so a
// cmd/actorworker main should call this as its last line.
func RunWorker(registry *DefinitionRegistry) error {
	if registry == nil {
		registry = DefaultDefinitionRegistry()
	}

	inherited := os.NewFile(3, "pipebus-inherited")
	bus, err := newPipeBus(inherited)
	if err != nil {
		return err
	}
	defer bus.Close()

	// Every inbound frame funnels through one channel so nothing is lost
	// between the bootstrap phase and the serve loop; the read loop blocks
	// once the buffer fills, which is the only back-pressure the pipe has.
	inCh := make(chan inboundFrame, 64)
	done := make(chan struct{})
	bus.OnMessage(func(env Envelope, handle *os.File) {
		select {
		case inCh <- inboundFrame{env: env, handle: handle}:
		case <-done:
		}
	})
	bus.OnExit(func() {
		select {
		case <-done:
		default:
			close(done)
		}
	})

	var createEnv Envelope
	select {
	case first := <-inCh:
		createEnv = first.env
	case <-done:
		return newTransportErr("", "bus closed before create-actor", nil)
	case <-time.After(createTimeout):
		return newTransportErr("", "timed out waiting for create-actor", nil)
	}

	create, ok := createEnv.Body.(CreateActorBody)
	if createEnv.Type != EnvCreateActor || !ok {
		return newConfigErr("first envelope was not create-actor")
	}

	sysCfg := DefaultSystemConfig()
	sysCfg.Definitions = registry
	sys := NewSystem(sysCfg)
	sys.upstreamBus = bus
	sys.upstreamCorr = newCorrelator(bus, "worker-"+create.ID, sys.cfg.Marshallers)
	if len(create.Clusters) > 0 {
		sys.SetClusters(create.Clusters)
	}

	root, initErr := bootstrapWorkerActor(sys, bus, registry, create)
	respondOverBus(bus, createEnv.ID, create.ID, "actor-created", initErr)
	if initErr != nil {
		return initErr
	}

	for {
		select {
		case in := <-inCh:
			serveWorkerEnvelope(sys, root, bus, in.env, in.handle, done)
		case <-done:
			return nil
		}
	}
}

// bootstrapWorkerActor constructs the worker's local in-memory root actor
// from a create-actor body: the definition is resolved by registered name,
// the actor carries the ID the parent minted so envelopes address it
// directly, and its parent slot points back over the upstream bus so
// ForwardToParent and handler sends reach the host-side parent actor.
func bootstrapWorkerActor(sys *System, bus Bus, registry *DefinitionRegistry, create CreateActorBody) (*Actor, error) {
	def, err := registry.Resolve(create.DefinitionName, create.CustomParameters)
	if err != nil {
		return nil, err
	}

	customParameters := create.CustomParameters
	if create.Config != nil {
		if customParameters == nil {
			customParameters = map[string]any{}
		}
		customParameters["config"] = create.Config
	}

	root := newActor(sys, nil, create.ID, create.Name, ModeInMemory, def, customParameters)
	if create.ParentID != "" {
		root.parentRef = newBusProxyRef(sys, bus, InterProcessReference{
			ActorID: create.ParentID,
		})
	}
	sys.mu.Lock()
	sys.byID[root.id] = root
	sys.mu.Unlock()

	if err := root.initialize(context.Background()); err != nil {
		root.setState(StateCrashed)
		return nil, err
	}
	return root, nil
}

// serveWorkerEnvelope dispatches one inbound envelope. Request/response
// work runs on its own goroutine so a handler that messages back up the
// bus (or blocks on a Deferred) can't wedge the serve loop; two
// concurrent asks may therefore complete in either order, which is all
// the ordering the bus promises.
func serveWorkerEnvelope(sys *System, root *Actor, bus Bus, env Envelope, handle *os.File, done chan struct{}) {
	ctx := withCorrelation(context.Background(), env.ID)

	target := root
	if env.ActorID != "" && env.ActorID != root.id {
		if a, ok := sys.actor(env.ActorID); ok {
			target = a
		}
	}

	switch env.Type {
	case EnvActorResponse:
		// Answers a child-side ask issued through a busProxyRef over the
		// upstream bus.
		if sys.upstreamCorr != nil {
			sys.upstreamCorr.deliverResponse(env)
		}

	case EnvActorMessage:
		body, ok := env.Body.(ActorMessageBody)
		if !ok {
			return
		}
		args, err := unpackInbound(sys.cfg.Marshallers, body, handle)
		if err != nil {
			if body.Receive {
				respondOverBus(bus, env.ID, target.id, nil, err)
			}
			return
		}
		if !body.Receive {
			go target.dispatchSend(ctx, body.Topic, args)
			return
		}
		go func() {
			result, err := target.dispatchAsk(ctx, body.Topic, args)
			respondOverBus(bus, env.ID, target.id, result, err)
		}()

	case EnvActorTree:
		go func() {
			node, err := target.Tree(ctx)
			respondOverBus(bus, env.ID, target.id, node, err)
		}()

	case EnvActorMetrics:
		go func() {
			metrics, err := target.Metrics(ctx)
			respondOverBus(bus, env.ID, target.id, metrics, err)
		}()

	case EnvParentPing:
		bus.Send(Envelope{Type: EnvParentPong, ActorID: root.id}, nil)

	case EnvDestroyActor:
		go func() {
			_ = target.Destroy(ctx)
			bus.Send(Envelope{Type: EnvActorDestroyed, ID: env.ID, ActorID: target.id}, nil)
		}()

	case EnvActorDestroyedAck:
		go func() {
			_ = sys.Destroy(ctx)
			select {
			case <-done:
			default:
				close(done)
			}
		}()
	}
}

func respondOverBus(bus Bus, id, actorID string, result any, err error) {
	body := ActorResponseBody{Response: result}
	if err != nil {
		body = ActorResponseBody{Error: err.Error()}
	}
	bus.Send(Envelope{Type: EnvActorResponse, ID: id, ActorID: actorID, Body: body}, nil)
}
