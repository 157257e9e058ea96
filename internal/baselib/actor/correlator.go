package actor

import (
	"context"
	"net"
	"os"
	"sync"
)

// pendingReply is what a correlator waits on for one in-flight
// sendAndReceive.
type pendingReply struct {
	result any
	err    error
}

// correlator matches outbound actor-message envelopes expecting a
// response (Receive: true) with the actor-response envelope that
// eventually answers them, by correlation ID. One correlator serves every
// busProxyRef, forkedParent, and remoteParent multiplexed over a single
// Bus, since all of them share that bus's envelope stream. It also owns
// the outbound marshalling step: every variadic argument passes through
// the marshaller registry before it is framed, so actor references become
// InterProcessReference/InterHostReference tokens on the wire.
type correlator struct {
	bus         Bus
	source      *correlationSource
	marshallers *MarshallerRegistry

	mu      sync.Mutex
	pending map[string]chan pendingReply
}

func newCorrelator(bus Bus, endpointID string, marshallers *MarshallerRegistry) *correlator {
	c := &correlator{
		bus:         bus,
		source:      newCorrelationSource(endpointID),
		marshallers: marshallers,
		pending:     make(map[string]chan pendingReply),
	}
	return c
}

// send delivers a fire-and-forget actor-message envelope.
func (c *correlator) send(ctx context.Context, actorID, topic string, args []any) {
	message, marshalledType, handle, err := c.packOutbound(args)
	if err != nil {
		WarnS(ctx, "dropping send, payload not marshallable", err, "actor_id", actorID, "topic", topic)
		return
	}
	body := ActorMessageBody{
		Topic: topic, Message: message,
		MarshalledType: marshalledType, Receive: false,
	}
	env := Envelope{Type: EnvActorMessage, ID: c.source.next(), ActorID: actorID, Body: body}
	onAck := func(err error) {
		if err != nil {
			WarnS(ctx, "send over bus failed", err, "actor_id", actorID, "topic", topic)
		}
	}
	if handle != nil {
		c.bus.SendHandle(env, handle, onAck)
		return
	}
	c.bus.Send(env, onAck)
}

// ask delivers a request/response actor-message envelope and blocks until
// the matching actor-response envelope arrives, ctx is done, or the bus
// reports the send itself failed.
func (c *correlator) ask(ctx context.Context, actorID, topic string, args []any) (any, error) {
	message, marshalledType, handle, err := c.packOutbound(args)
	if err != nil {
		return nil, err
	}
	body := ActorMessageBody{
		Topic: topic, Message: message,
		MarshalledType: marshalledType, Receive: true,
	}
	return c.askEnvelopeHandle(ctx, actorID, EnvActorMessage, body, handle)
}

// askEnvelope is the general form ask builds on: any envelope type that
// expects a correlated actor-response, including create-actor, actor-tree,
// and actor-metrics requests, which carry no topic of their own.
func (c *correlator) askEnvelope(ctx context.Context, actorID string, typ EnvelopeType, body any) (any, error) {
	return c.askEnvelopeHandle(ctx, actorID, typ, body, nil)
}

func (c *correlator) askEnvelopeHandle(
	ctx context.Context, actorID string, typ EnvelopeType, body any,
	handle *os.File,
) (any, error) {

	id := c.source.next()
	replyCh := make(chan pendingReply, 1)

	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := Envelope{Type: typ, ID: id, ActorID: actorID, Body: body}

	sendErrCh := make(chan error, 1)
	if handle != nil {
		c.bus.SendHandle(env, handle, func(err error) { sendErrCh <- err })
	} else {
		c.bus.Send(env, func(err error) { sendErrCh <- err })
	}

	select {
	case err := <-sendErrCh:
		if err != nil {
			return nil, newTransportErr(actorID, "send request", err)
		}
	case <-ctx.Done():
		return nil, newTimeoutErr(actorID)
	}

	select {
	case reply := <-replyCh:
		return reply.result, reply.err
	case <-ctx.Done():
		return nil, newTimeoutErr(actorID)
	}
}

// deliverResponse is called from a bus's OnMessage handler when an
// actor-response envelope arrives; it completes the matching pending ask,
// if any is still waiting (a response to an already-timed-out ask is
// simply discarded, per the timeout contract).
func (c *correlator) deliverResponse(env Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	body, _ := env.Body.(ActorResponseBody)
	if body.Error != "" {
		ch <- pendingReply{err: &ActorError{Kind: ErrKindHandlerError, ActorID: env.ActorID, Msg: body.Error}}
		return
	}
	ch <- pendingReply{result: body.Response}
}

// failAll completes every pending ask with err. Called when the bus's peer
// exits so in-flight requests fail with a transport error instead of
// hanging until their deadline.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingReply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingReply{err: err}
	}
}

// packOutbound prepares a variadic argument slice for the wire: a single
// listening-socket argument becomes a {handleType} body plus an
// out-of-band handle, every other argument runs through the marshaller
// registry, and the slice collapses via packArgs. The returned
// marshalledType mirrors the argument shape: a scalar marshaller name for
// one argument, a parallel array otherwise, nil when nothing needed
// marshalling.
func (c *correlator) packOutbound(args []any) (message, marshalledType any, handle *os.File, err error) {
	if len(args) == 1 {
		if ht, f, ok, herr := listenerHandleArg(args[0]); ok {
			if herr != nil {
				return nil, nil, nil, herr
			}
			return map[string]any{"handleType": string(ht)}, nil, f, nil
		}
	}

	if c.marshallers == nil {
		return packArgs(args), nil, nil, nil
	}

	out := make([]any, len(args))
	names := make([]string, len(args))
	anyMarshalled := false
	for i, arg := range args {
		v, name, merr := c.marshallers.marshalOut(arg)
		if merr != nil {
			return nil, nil, nil, merr
		}
		out[i] = v
		names[i] = name
		if name != "" {
			anyMarshalled = true
		}
	}

	if anyMarshalled {
		if len(names) == 1 {
			marshalledType = names[0]
		} else {
			marshalledType = names
		}
	}
	return packArgs(out), marshalledType, nil, nil
}

// unpackInbound reverses packOutbound on the receiving side: rebuilds a
// transferred listener when one rode alongside the envelope, then applies
// the marshaller registry per the body's marshalledType, then un-collapses
// the argument slice.
func unpackInbound(reg *MarshallerRegistry, body ActorMessageBody, handle *os.File) ([]any, error) {
	if handle != nil {
		if m, ok := body.Message.(map[string]any); ok {
			if ht, ok := m["handleType"].(string); ok {
				l, err := listenerFromHandle(handle)
				if err != nil {
					return nil, newMarshalErr("reconstruct transferred listener", err)
				}
				if HandleType(ht) == HandleHTTPServer {
					return []any{HTTPListener{Listener: l}}, nil
				}
				return []any{l}, nil
			}
		}
	}

	args := unpackArgs(body.Message)
	names := marshalledTypeNames(body.MarshalledType, len(args))
	if names == nil || reg == nil {
		return args, nil
	}
	for i := range args {
		if names[i] == "" {
			continue
		}
		v, err := reg.unmarshalIn(args[i], names[i])
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// marshalledTypeNames normalizes the wire marshalledType field (a scalar
// string, a []string from gob, or a []any of strings from JSON) into a
// slice parallel to the argument list, or nil when no marshalling applies.
func marshalledTypeNames(mt any, argc int) []string {
	switch t := mt.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		names := make([]string, argc)
		if argc > 0 {
			names[0] = t
		}
		return names
	case []string:
		return t
	case []any:
		names := make([]string, len(t))
		for i, v := range t {
			s, _ := v.(string)
			names[i] = s
		}
		return names
	default:
		return nil
	}
}

// HTTPListener marks a transferred listening socket the receiver should
// serve HTTP on rather than treat as a raw TCP listener. Wrap a listener
// in this before passing it as a message argument to have it arrive
// tagged with the http.Server handle type.
type HTTPListener struct {
	net.Listener
}

// listenerHandleArg reports whether v is a listening-socket argument
// eligible for out-of-band handle transfer, and if so extracts the
// underlying *os.File. Ownership of the descriptor passes to the receiver
// once the send succeeds.
func listenerHandleArg(v any) (HandleType, *os.File, bool, error) {
	switch l := v.(type) {
	case HTTPListener:
		f, err := handleFromListener(l.Listener)
		return HandleHTTPServer, f, true, wrapHandleErr(err)
	case net.Listener:
		f, err := handleFromListener(l)
		return HandleNetServer, f, true, wrapHandleErr(err)
	default:
		return "", nil, false, nil
	}
}

func wrapHandleErr(err error) error {
	if err == nil {
		return nil
	}
	return newMarshalErr("extract listener handle", err)
}

// packArgs collapses a variadic argument slice into a single wire value:
// zero args travels as nil, one arg travels bare, more than one travels
// as a slice, so a receiver decoding JSON doesn't have to special-case
// arity.
func packArgs(args []any) any {
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	default:
		return args
	}
}

// unpackArgs reverses packArgs on the receiving side.
func unpackArgs(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}
