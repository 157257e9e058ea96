package actor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// defaultRemotePort is used when a host in WithHosts names no explicit
// port.
const defaultRemotePort = "6161"

// remoteParent is the parent-side refImpl for a single ModeRemote child:
// an actor forked by a ListeningServer on a (possibly) different host,
// reached over a socketBus. Structurally a sibling of forkedParent; the
// two differ in which Bus/dial mechanism connects them to their child,
// and in that only remoteParent heartbeats and respawns (with onCrash
// 'respawn', two missed pongs trigger a fresh TCP dial plus
// create-actor); forkedParent does neither.
type remoteParent struct {
	sys     *System
	self    *Actor
	defName string
	cfg     createConfig
	host    string

	bus  *socketBus
	corr *correlator

	pongCh chan struct{}

	mu      sync.Mutex
	crashed bool

	destroyedOnce sync.Once
	destroyedCh   chan struct{}

	stopHeartbeat chan struct{}
}

// newRemoteParent builds the ModeRemote refImpl for actor a: a single
// remote connection, or (when more than one host is configured, or a
// single host is paired with clusterSize > 1) a RoundRobinBalancer
// fanning out over one remoteParent per resolved endpoint.
func newRemoteParent(sys *System, a *Actor, defName string, cfg createConfig) (refImpl, error) {
	hosts := cfg.host
	if cfg.clusterName != "" {
		resolved, err := sys.resolveCluster(cfg.clusterName)
		if err != nil {
			return nil, err
		}
		hosts = resolved
	}
	if len(hosts) == 0 {
		return nil, newConfigErr("remote actor requires WithHosts or WithCluster")
	}

	// A single host with a larger clusterSize lands every replica on that
	// host.
	if len(hosts) == 1 && cfg.clusterSize > 1 {
		expanded := make([]string, cfg.clusterSize)
		for i := range expanded {
			expanded[i] = hosts[0]
		}
		hosts = expanded
	}

	if len(hosts) == 1 {
		return dialRemoteChild(sys, a, defName, cfg, hosts[0])
	}

	children := make([]Ref, 0, len(hosts))
	for i, host := range hosts {
		memberCfg := cfg
		memberCfg.clusterSize = 1
		memberID := fmt.Sprintf("%s-%d", a.id, i)
		memberActor := newActor(sys, a.parent, memberID, cfg.name, ModeRemote, a.def, a.customParameters)
		impl, err := dialRemoteChild(sys, memberActor, defName, memberCfg, host)
		if err != nil {
			return nil, err
		}
		memberActor.impl = impl
		memberActor.setState(StateReady)
		children = append(children, memberActor.Ref())
	}
	return NewRoundRobinBalancer(a.id, children), nil
}

func dialRemoteChild(sys *System, a *Actor, defName string, cfg createConfig, host string) (*remoteParent, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, defaultRemotePort)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, newTransportErr(a.id, "dial "+addr, err)
	}

	bus := newSocketBus(conn)
	pingTimeout := cfg.pingTimeout
	if pingTimeout <= 0 {
		pingTimeout = sys.cfg.DefaultPingTimeout
	}

	rp := &remoteParent{
		sys: sys, self: a, defName: defName, cfg: cfg, host: addr,
		bus:         bus,
		corr:        newCorrelator(bus, "parent-"+a.id, sys.cfg.Marshallers),
		pongCh:      make(chan struct{}, 1),
		destroyedCh: make(chan struct{}),
	}

	bus.OnMessage(func(env Envelope, handle *os.File) {
		rp.handleEnvelope(env, handle)
	})
	bus.OnExit(func() { rp.onChildExit() })

	createBody := buildCreateBody(a, defName, cfg, ModeRemote, pingTimeout, sys)

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()
	if _, err := rp.corr.askEnvelope(ctx, a.id, EnvCreateActor, createBody); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.onCrash == "respawn" {
		rp.startHeartbeat(pingTimeout)
	}

	return rp, nil
}

func (rp *remoteParent) handleEnvelope(env Envelope, handle *os.File) {
	switch env.Type {
	case EnvActorResponse:
		rp.corr.deliverResponse(env)

	case EnvParentPong:
		select {
		case rp.pongCh <- struct{}{}:
		default:
		}
		rp.mu.Lock()
		rp.crashed = false
		rp.mu.Unlock()

	case EnvActorMessage:
		go dispatchInboundMessage(rp.sys, rp.bus, rp.self.id, env, handle)

	case EnvActorDestroyed:
		rp.bus.Send(Envelope{
			Type: EnvActorDestroyedAck, ID: env.ID, ActorID: rp.self.id,
		}, nil)
		rp.signalDestroyed()
	}
}

func (rp *remoteParent) signalDestroyed() {
	rp.destroyedOnce.Do(func() { close(rp.destroyedCh) })
}

func (rp *remoteParent) onChildExit() {
	rp.corr.failAll(newTransportErr(rp.self.id, "remote connection lost", nil))
	rp.signalDestroyed()

	rp.mu.Lock()
	alreadyCrashed := rp.crashed
	rp.crashed = true
	rp.mu.Unlock()
	if !alreadyCrashed && rp.self.State() == StateReady {
		rp.self.setState(StateCrashed)
		ErrorS(context.Background(), "remote connection lost",
			newTransportErr(rp.self.id, "connection closed", nil), "actor_id", rp.self.id, "host", rp.host)
	}
}

func (rp *remoteParent) startHeartbeat(pingTimeout time.Duration) {
	rp.stopHeartbeat = make(chan struct{})
	interval := pingTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		missed := 0
		for {
			select {
			case <-rp.stopHeartbeat:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok := rp.ping(ctx)
				cancel()
				if ok {
					missed = 0
					continue
				}
				missed++
				if missed >= 2 {
					rp.respawn()
					return
				}
			}
		}
	}()
}

// ping waits for the pong, not just the write: a ping counts as answered
// only once the child's parent-pong arrives before ctx ends.
func (rp *remoteParent) ping(ctx context.Context) bool {
	select {
	case <-rp.pongCh:
	default:
	}
	rp.bus.Send(Envelope{Type: EnvParentPing, ActorID: rp.self.id}, nil)
	select {
	case <-rp.pongCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// respawn re-dials the same host and re-sends the original create-actor
// envelope, replacing this remoteParent's connection in place.
func (rp *remoteParent) respawn() {
	WarnS(context.Background(), "redialing remote actor after missed heartbeat",
		newTransportErr(rp.self.id, "heartbeat timeout", nil), "actor_id", rp.self.id, "host", rp.host)

	rp.self.setState(StateCrashed)
	rp.corr.failAll(newTransportErr(rp.self.id, "remote heartbeat timeout", nil))
	_ = rp.bus.Close()

	newImpl, err := dialRemoteChild(rp.sys, rp.self, rp.defName, rp.cfg, rp.host)
	if err != nil {
		ErrorS(context.Background(), "remote respawn failed", err, "actor_id", rp.self.id)
		return
	}

	rp.mu.Lock()
	rp.bus = newImpl.bus
	rp.corr = newImpl.corr
	rp.pongCh = newImpl.pongCh
	rp.crashed = false
	rp.destroyedOnce = sync.Once{}
	rp.destroyedCh = newImpl.destroyedCh
	rp.stopHeartbeat = newImpl.stopHeartbeat
	rp.mu.Unlock()

	rp.self.setState(StateReady)
}

func (rp *remoteParent) ID() string   { return rp.self.id }
func (rp *remoteParent) Name() string { return rp.self.name }
func (rp *remoteParent) Mode() Mode   { return ModeRemote }

func (rp *remoteParent) remoteHost() string { return rp.host }

func (rp *remoteParent) Send(ctx context.Context, topic string, args ...any) {
	rp.corr.send(ctx, rp.self.id, topic, args)
}

func (rp *remoteParent) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	return rp.corr.ask(ctx, rp.self.id, topic, args)
}

func (rp *remoteParent) dispatchSend(ctx context.Context, topic string, args []any) {
	rp.Send(ctx, topic, args...)
}

func (rp *remoteParent) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return rp.SendAndReceive(ctx, topic, args...)
}

func (rp *remoteParent) fetchTree(ctx context.Context) (TreeNode, error) {
	res, err := rp.corr.askEnvelope(ctx, rp.self.id, EnvActorTree, nil)
	if err != nil {
		return TreeNode{}, err
	}
	return decodeTreeNode(res, rp.self.id, ModeRemote, rp.self.State())
}

func (rp *remoteParent) fetchMetrics(ctx context.Context) (map[string]any, error) {
	res, err := rp.corr.askEnvelope(ctx, rp.self.id, EnvActorMetrics, nil)
	if err != nil {
		return nil, err
	}
	out, _ := res.(map[string]any)
	return out, nil
}

// destroy mirrors forkedParent.destroy's teardown handshake over the
// socket bus.
func (rp *remoteParent) destroy(ctx context.Context) error {
	if rp.stopHeartbeat != nil {
		close(rp.stopHeartbeat)
	}
	rp.bus.Send(Envelope{
		Type: EnvDestroyActor, ID: rp.corr.source.next(), ActorID: rp.self.id,
	}, nil)
	select {
	case <-rp.destroyedCh:
	case <-ctx.Done():
	case <-time.After(createTimeout):
	}
	return rp.bus.Close()
}
