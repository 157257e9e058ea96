package actor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// workerEnvVar names the environment variable RunWorker looks for to know
// it's being re-exec'd as a forked actor worker rather than as the
// hosting application's ordinary entry point; the forked/remote parent
// sets it so a single binary can serve both roles (see cmd/actorworker).
const workerEnvVar = "MESH_ACTOR_WORKER"

// createTimeout bounds how long a parent waits for a freshly spawned
// worker to acknowledge its create-actor envelope.
const createTimeout = 30 * time.Second

// forkedParent is the parent-side refImpl for a single ModeForked child:
// an OS process on the same host, reached over a pipeBus built on a unix
// socketpair whose far end was inherited via exec.Cmd.ExtraFiles. Unlike
// remoteParent it runs no heartbeat and never respawns: a same-host
// worker's death is observed promptly through the pipe's exit event, and
// the proxy simply moves to crashed.
type forkedParent struct {
	sys     *System
	self    *Actor
	defName string
	cfg     createConfig

	cmd  *exec.Cmd
	bus  *pipeBus
	corr *correlator

	mu      sync.Mutex
	crashed bool

	destroyedOnce sync.Once
	destroyedCh   chan struct{}
}

// newForkedParent builds the ModeForked refImpl for actor a: either a
// single forked worker process, or (when cfg.clusterSize > 1) a
// RoundRobinBalancer fanning out over that many independently forked
// worker processes, each running its own copy of the named definition.
func newForkedParent(sys *System, a *Actor, defName string, cfg createConfig) (refImpl, error) {
	size := cfg.clusterSize
	if size <= 0 {
		size = 1
	}
	if size == 1 {
		return spawnForkedChild(sys, a, defName, cfg)
	}

	children := make([]Ref, 0, size)
	for i := 0; i < size; i++ {
		childCfg := cfg
		childCfg.clusterSize = 1
		memberID := fmt.Sprintf("%s-%d", a.id, i)
		memberActor := newActor(sys, a.parent, memberID, childCfg.name, ModeForked, a.def, a.customParameters)
		impl, err := spawnForkedChild(sys, memberActor, defName, childCfg)
		if err != nil {
			return nil, err
		}
		memberActor.impl = impl
		memberActor.setState(StateReady)
		children = append(children, memberActor.Ref())
	}
	return NewRoundRobinBalancer(a.id, children), nil
}

func spawnForkedChild(sys *System, a *Actor, defName string, cfg createConfig) (*forkedParent, error) {
	parentEnd, childEnd, err := newPipePair()
	if err != nil {
		return nil, newTransportErr(a.id, "create pipe", err)
	}
	defer childEnd.Close()

	binary := sys.cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, newTransportErr(a.id, "resolve worker binary", err)
		}
		binary = self
	}

	cmd := exec.Command(binary, os.Args[1:]...)
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Env = append(os.Environ(), workerEnvVar+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		return nil, newTransportErr(a.id, "start worker process", err)
	}

	bus, err := newPipeBus(parentEnd)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	pingTimeout := cfg.pingTimeout
	if pingTimeout <= 0 {
		pingTimeout = sys.cfg.DefaultPingTimeout
	}

	fp := &forkedParent{
		sys: sys, self: a, defName: defName, cfg: cfg,
		cmd: cmd, bus: bus,
		corr:        newCorrelator(bus, "parent-"+a.id, sys.cfg.Marshallers),
		destroyedCh: make(chan struct{}),
	}

	bus.OnMessage(func(env Envelope, handle *os.File) {
		fp.handleEnvelope(env, handle)
	})
	bus.OnExit(func() {
		fp.onChildExit()
	})

	createBody := buildCreateBody(a, defName, cfg, ModeForked, pingTimeout, sys)

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()
	if _, err := fp.corr.askEnvelope(ctx, a.id, EnvCreateActor, createBody); err != nil {
		_ = cmd.Process.Kill()
		_ = bus.Close()
		return nil, err
	}

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		_ = cmd.Wait()
	}()

	return fp, nil
}

// buildCreateBody assembles the bootstrap envelope body shared by the
// forked and remote spawn paths.
func buildCreateBody(
	a *Actor, defName string, cfg createConfig, mode Mode,
	pingTimeout time.Duration, sys *System,
) CreateActorBody {

	parentID := ""
	if a.parent != nil {
		parentID = a.parent.id
	}
	return CreateActorBody{
		ID:               a.id,
		DefinitionName:   defName,
		DefinitionFormat: "registered-name",
		ParentID:         parentID,
		Mode:             mode,
		Config:           cfg.config,
		Resources:        cfg.resources,
		Marshallers:      sys.cfg.Marshallers.Names(),
		CustomParameters: a.customParameters,
		PingTimeoutMS:    pingTimeout.Milliseconds(),
		Clusters:         sys.clusterSnapshot(),
		Name:             a.name,
	}
}

func (fp *forkedParent) handleEnvelope(env Envelope, handle *os.File) {
	switch env.Type {
	case EnvActorResponse:
		fp.corr.deliverResponse(env)

	case EnvActorMessage:
		// The worker is messaging a host-side actor it holds a reference
		// to (its parent, or any InterProcessReference it was handed).
		// Dispatched off the read loop so a handler that itself asks the
		// worker something doesn't deadlock the bus.
		go dispatchInboundMessage(fp.sys, fp.bus, fp.self.id, env, handle)

	case EnvActorDestroyed:
		fp.bus.Send(Envelope{
			Type: EnvActorDestroyedAck, ID: env.ID, ActorID: fp.self.id,
		}, nil)
		fp.signalDestroyed()
	}
}

// dispatchInboundMessage serves an actor-message envelope that arrived at
// a parent proxy from its worker: it resolves the target actor in the
// local system, runs the usual dispatch pipeline, and answers with a
// correlated actor-response when the worker expects one. Shared by the
// forked and remote parent proxies.
func dispatchInboundMessage(sys *System, bus Bus, proxyActorID string, env Envelope, handle *os.File) {
	ctx := withCorrelation(context.Background(), env.ID)
	body, ok := env.Body.(ActorMessageBody)
	if !ok {
		return
	}

	respond := func(result any, err error) {
		if !body.Receive {
			return
		}
		respBody := ActorResponseBody{Response: result}
		if err != nil {
			respBody = ActorResponseBody{Error: err.Error()}
		}
		bus.Send(Envelope{
			Type: EnvActorResponse, ID: env.ID, ActorID: env.ActorID, Body: respBody,
		}, nil)
	}

	target, found := sys.actor(env.ActorID)
	if !found || env.ActorID == proxyActorID {
		respond(nil, newTransportErr(env.ActorID, "no local actor for inbound message", nil))
		return
	}

	args, err := unpackInbound(sys.cfg.Marshallers, body, handle)
	if err != nil {
		respond(nil, err)
		return
	}

	if !body.Receive {
		target.dispatchSend(ctx, body.Topic, args)
		return
	}
	result, err := target.dispatchAsk(ctx, body.Topic, args)
	respond(result, err)
}

func (fp *forkedParent) signalDestroyed() {
	fp.destroyedOnce.Do(func() { close(fp.destroyedCh) })
}

func (fp *forkedParent) onChildExit() {
	fp.corr.failAll(newTransportErr(fp.self.id, "worker process exited", nil))
	fp.signalDestroyed()

	fp.mu.Lock()
	alreadyCrashed := fp.crashed
	fp.crashed = true
	fp.mu.Unlock()
	if !alreadyCrashed && fp.self.State() == StateReady {
		fp.self.setState(StateCrashed)
		ErrorS(context.Background(), "forked worker process exited unexpectedly",
			newTransportErr(fp.self.id, "worker process exit", nil), "actor_id", fp.self.id)
	}
}

func (fp *forkedParent) ID() string   { return fp.self.id }
func (fp *forkedParent) Name() string { return fp.self.name }
func (fp *forkedParent) Mode() Mode   { return ModeForked }

func (fp *forkedParent) Send(ctx context.Context, topic string, args ...any) {
	fp.corr.send(ctx, fp.self.id, topic, args)
}

func (fp *forkedParent) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	return fp.corr.ask(ctx, fp.self.id, topic, args)
}

func (fp *forkedParent) dispatchSend(ctx context.Context, topic string, args []any) {
	fp.Send(ctx, topic, args...)
}

func (fp *forkedParent) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return fp.SendAndReceive(ctx, topic, args...)
}

func (fp *forkedParent) fetchTree(ctx context.Context) (TreeNode, error) {
	res, err := fp.corr.askEnvelope(ctx, fp.self.id, EnvActorTree, nil)
	if err != nil {
		return TreeNode{}, err
	}
	return decodeTreeNode(res, fp.self.id, ModeForked, fp.self.State())
}

func (fp *forkedParent) fetchMetrics(ctx context.Context) (map[string]any, error) {
	res, err := fp.corr.askEnvelope(ctx, fp.self.id, EnvActorMetrics, nil)
	if err != nil {
		return nil, err
	}
	out, _ := res.(map[string]any)
	return out, nil
}

// destroy runs the parent side of the teardown handshake: send
// destroy-actor, wait for the worker's actor-destroyed, answer with
// actor-destroyed-ack (done in handleEnvelope), then release the bus. A
// worker that died early satisfies the wait via onChildExit.
func (fp *forkedParent) destroy(ctx context.Context) error {
	fp.bus.Send(Envelope{
		Type: EnvDestroyActor, ID: fp.corr.source.next(), ActorID: fp.self.id,
	}, nil)
	select {
	case <-fp.destroyedCh:
	case <-ctx.Done():
	case <-time.After(createTimeout):
	}
	return fp.bus.Close()
}
