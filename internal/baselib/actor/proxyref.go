package actor

import (
	"context"
	"net"
	"os"
	"sync"
)

// busProxyRef is a Ref to an actor reached by sending actor-message
// envelopes over an already-open Bus, addressed by ActorID. It backs a
// reference that crossed a process boundary (InterProcessReference)
// without naming a host to dial: the only way to reach it is back over
// the same bus it arrived on.
type busProxyRef struct {
	sys  *System
	bus  Bus
	id   string
	name string
	mode Mode

	corrOnce sync.Once
	corr     *correlator
}

func newBusProxyRef(sys *System, bus Bus, ref InterProcessReference) *busProxyRef {
	return &busProxyRef{sys: sys, bus: bus, id: ref.ActorID, name: ref.Name, mode: ref.ActorMode}
}

func (p *busProxyRef) correlator() *correlator {
	p.corrOnce.Do(func() {
		// Inside a worker, every proxy over the upstream bus shares the
		// system's one correlator: the serve loop delivers inbound
		// actor-response envelopes there and nowhere else.
		if p.sys != nil && p.sys.upstreamCorr != nil && p.bus == p.sys.upstreamBus {
			p.corr = p.sys.upstreamCorr
			return
		}
		var registry *MarshallerRegistry
		if p.sys != nil {
			registry = p.sys.cfg.Marshallers
		}
		p.corr = newCorrelator(p.bus, "proxy-"+p.id, registry)
	})
	return p.corr
}

func (p *busProxyRef) ID() string   { return p.id }
func (p *busProxyRef) Name() string { return p.name }
func (p *busProxyRef) Mode() Mode   { return p.mode }

func (p *busProxyRef) Send(ctx context.Context, topic string, args ...any) {
	if p.bus == nil {
		WarnS(ctx, "dropping send to unreachable proxy reference", newTransportErr(p.id, "no bus", nil), "actor_id", p.id)
		return
	}
	p.correlator().send(ctx, p.id, topic, args)
}

func (p *busProxyRef) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	if p.bus == nil {
		return nil, newTransportErr(p.id, "reference is not reachable from this process", nil)
	}
	return p.correlator().ask(ctx, p.id, topic, args)
}

func (p *busProxyRef) dispatchSend(ctx context.Context, topic string, args []any) {
	p.Send(ctx, topic, args...)
}
func (p *busProxyRef) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return p.SendAndReceive(ctx, topic, args...)
}

// hostProxyRef is a Ref to an actor on a different host, reached by
// dialing the host directly. Unlike busProxyRef it owns its own
// connection lifecycle, dialed lazily on first use and cached.
type hostProxyRef struct {
	id   string
	name string
	mode Mode
	host string

	mu   sync.Mutex
	bus  Bus
	corr *correlator
}

func newHostProxyRef(ref InterHostReference) *hostProxyRef {
	return &hostProxyRef{id: ref.ActorID, name: ref.Name, mode: ref.ActorMode, host: ref.Host}
}

func (p *hostProxyRef) ID() string   { return p.id }
func (p *hostProxyRef) Name() string { return p.name }
func (p *hostProxyRef) Mode() Mode   { return p.mode }

func (p *hostProxyRef) remoteHost() string { return p.host }

func (p *hostProxyRef) ensureConnected() (*correlator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.corr != nil {
		return p.corr, nil
	}

	conn, err := net.Dial("tcp", p.host)
	if err != nil {
		return nil, newTransportErr(p.id, "dial "+p.host, err)
	}
	bus := newSocketBus(conn)
	p.bus = bus
	// The endpoint prefix must be unique per connection, not per target
	// actor: any number of hostProxyRef instances in different processes
	// may resolve the same InterHostReference and attach to the same
	// worker (see ListeningServer.handleAttach), so two of them sharing a
	// prefix derived from the target's ID would mint colliding
	// correlation IDs once their counters lined up.
	p.corr = newCorrelator(bus, "hostref-"+NewID(), nil)
	bus.OnMessage(func(env Envelope, _ *os.File) {
		if env.Type == EnvActorResponse {
			p.corr.deliverResponse(env)
		}
	})
	return p.corr, nil
}

func (p *hostProxyRef) Send(ctx context.Context, topic string, args ...any) {
	corr, err := p.ensureConnected()
	if err != nil {
		WarnS(ctx, "dropping send, cannot reach host reference", err, "actor_id", p.id, "host", p.host)
		return
	}
	corr.send(ctx, p.id, topic, args)
}

func (p *hostProxyRef) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	corr, err := p.ensureConnected()
	if err != nil {
		return nil, err
	}
	return corr.ask(ctx, p.id, topic, args)
}

func (p *hostProxyRef) dispatchSend(ctx context.Context, topic string, args []any) {
	p.Send(ctx, topic, args...)
}
func (p *hostProxyRef) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return p.SendAndReceive(ctx, topic, args...)
}
