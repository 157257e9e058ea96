package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
)

// State is the lifecycle stage of an Actor. Transitions are monotonic
// except for the crashed sideband: new -> ready -> destroying -> destroyed,
// with ready -> crashed -> ready possible only for a remote actor that
// gets respawned after missed heartbeats.
type State int32

const (
	// StateNew is the state from construction until Initialize returns.
	StateNew State = iota

	// StateReady accepts sends and asks.
	StateReady

	// StateDestroying rejects new sends/asks while children are torn
	// down and Destroy runs.
	StateDestroying

	// StateDestroyed is terminal.
	StateDestroyed

	// StateCrashed means the actor failed: its Initialize hook returned
	// an error, or its forked/remote child's process or connection went
	// away. Only a remote actor whose onCrash policy is respawn leaves
	// it again: it is crashed while it redials after two missed
	// heartbeats and returns to ready once the new child is up.
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// forwardEntry is one row of an actor's forward list: a topic matcher (an
// exact string or a compiled regexp) paired with the target the matching
// topic is redirected to instead of being dispatched locally.
type forwardEntry struct {
	topic   string
	pattern *regexp.Regexp
	target  Ref
}

func (e forwardEntry) matches(topic string) bool {
	if e.pattern != nil {
		return e.pattern.MatchString(topic)
	}
	return e.topic == topic
}

// Actor is the runtime instance backing one node of the actor tree. It owns
// a Definition (the topic-to-handler table plus lifecycle hooks), a
// position in the tree (parent/children), and the dispatch machinery for
// whichever Mode it runs under. Applications interact with an Actor only
// through the Ref returned by System.CreateActor / ActorContext.CreateChild.
type Actor struct {
	id   string
	name string
	mode Mode

	def Definition

	system *System
	parent *Actor

	// parentRef is how this actor addresses its parent: the parent's own
	// Ref in the common case, or a bus proxy back to the host-side parent
	// when this actor is the root of a forked/remote worker (where parent
	// is nil but a parent still exists across the process boundary).
	parentRef Ref

	state atomic.Int32

	mu                sync.RWMutex
	children          []*Actor
	childrenByID      map[string]*Actor
	forwardList       []forwardEntry
	forwardAllUnknown *Ref

	customParameters map[string]any

	// impl is the mode-specific dispatcher: nil for a plain in-memory
	// actor (which dispatches against its own Definition directly),
	// *forkedParent for ModeForked, *remoteParent for ModeRemote, or
	// *RoundRobinBalancer when the Ref fans out over a cluster of children.
	impl refImpl

	destroyOnce sync.Once
}

// ActorContext is the lifecycle surface passed to handlers, Initialize, and
// Destroy hooks: enough of the owning Actor to log, read custom
// parameters, look itself up as a Ref, and spawn children, without handing
// out the unexported Actor type itself.
type ActorContext struct {
	actor *Actor
}

// Self returns a Ref to the actor this context belongs to.
func (c *ActorContext) Self() Ref { return c.actor.Ref() }

// ID returns the owning actor's ID.
func (c *ActorContext) ID() string { return c.actor.id }

// CustomParameters returns the custom parameters the actor was created
// with. The returned map must not be mutated.
func (c *ActorContext) CustomParameters() map[string]any {
	return c.actor.customParameters
}

// CreateChild creates a new actor as a child of this context's actor. See
// System.CreateActor for the full option semantics; the child inherits its
// parent's System.
func (c *ActorContext) CreateChild(ctx context.Context, defName string, opts ...CreateOption) (Ref, error) {
	return c.actor.system.createActor(ctx, defName, c.actor, opts...)
}

// Parent returns a Ref to this actor's parent: the in-process parent in
// the common case, or a proxy back over the worker's upstream bus when
// this actor is the root of a forked/remote worker. Nil only for the
// system root.
func (c *ActorContext) Parent() Ref { return c.actor.parentRef }

// ForwardToParent installs forwarding rules redirecting each named topic
// to this actor's parent.
func (c *ActorContext) ForwardToParent(topics ...string) error {
	p := c.actor.parentRef
	if p == nil {
		return newConfigErr("actor has no parent to forward to")
	}
	for _, topic := range topics {
		c.actor.Forward(topic, p)
	}
	return nil
}

// ForwardAllUnknownToParent sets the catch-all slot to the parent: any
// topic this actor has no handler and no explicit forwarding rule for is
// delegated upward.
func (c *ActorContext) ForwardAllUnknownToParent() error {
	p := c.actor.parentRef
	if p == nil {
		return newConfigErr("actor has no parent to forward to")
	}
	c.actor.ForwardAllUnknown(p)
	return nil
}

// ForwardToChild installs forwarding rules redirecting each named topic
// to child, which must currently be in this actor's child set.
func (c *ActorContext) ForwardToChild(child Ref, topics ...string) error {
	c.actor.mu.RLock()
	_, ok := c.actor.childrenByID[child.ID()]
	c.actor.mu.RUnlock()
	if !ok {
		return newConfigErr(fmt.Sprintf(
			"actor %s is not a child of %s", child.ID(), c.actor.id,
		))
	}
	for _, topic := range topics {
		c.actor.Forward(topic, child)
	}
	return nil
}

// Log returns a logger bound to this actor's ID, mirroring the
// package-level *S helpers for callers that'd rather not thread the
// actor_id field through by hand.
func (c *ActorContext) Log() *ActorLog { return &ActorLog{actorID: c.actor.id} }

// ActorLog is a thin, per-actor facade over the package's structured
// logging helpers.
type ActorLog struct{ actorID string }

func (l *ActorLog) Debug(ctx context.Context, msg string, kv ...any) {
	DebugS(ctx, msg, append([]any{"actor_id", l.actorID}, kv...)...)
}

func (l *ActorLog) Info(ctx context.Context, msg string, kv ...any) {
	InfoS(ctx, msg, append([]any{"actor_id", l.actorID}, kv...)...)
}

func (l *ActorLog) Warn(ctx context.Context, msg string, err error, kv ...any) {
	WarnS(ctx, msg, err, append([]any{"actor_id", l.actorID}, kv...)...)
}

func (l *ActorLog) Error(ctx context.Context, msg string, err error, kv ...any) {
	ErrorS(ctx, msg, err, append([]any{"actor_id", l.actorID}, kv...)...)
}

func newActor(system *System, parent *Actor, id, name string, mode Mode, def Definition, customParameters map[string]any) *Actor {
	a := &Actor{
		id:               id,
		name:             name,
		mode:             mode,
		def:              def,
		system:           system,
		parent:           parent,
		childrenByID:     make(map[string]*Actor),
		customParameters: customParameters,
	}
	if parent != nil {
		a.parentRef = parent.Ref()
	}
	a.state.Store(int32(StateNew))
	return a
}

// State returns the actor's current lifecycle state.
func (a *Actor) State() State { return State(a.state.Load()) }

func (a *Actor) setState(s State) { a.state.Store(int32(s)) }

// Ref returns the Ref applications use to address this actor.
func (a *Actor) Ref() Ref { return &actorHandle{a: a} }

// initialize runs the actor's Initialize hook (if any) and flips it ready.
// Only called once, from System.createActor, before the Ref is handed back
// to its creator.
func (a *Actor) initialize(ctx context.Context) error {
	actx := &ActorContext{actor: a}
	if a.def.Initialize != nil {
		if err := a.def.Initialize(ctx, actx); err != nil {
			a.setState(StateCrashed)
			return newHandlerErr(a.id, err)
		}
	}
	a.setState(StateReady)
	return nil
}

// addChild registers c as a child of a, preserving creation order; destroy
// tears children down in the reverse of that order.
func (a *Actor) addChild(c *Actor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.children = append(a.children, c)
	a.childrenByID[c.id] = c
}

func (a *Actor) removeChild(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.childrenByID, id)
	for i, c := range a.children {
		if c.id == id {
			a.children = append(a.children[:i], a.children[i+1:]...)
			break
		}
	}
}

// Forward installs a forwarding rule: messages on a topic exactly matching
// topic are redirected to target instead of being dispatched against this
// actor's own Definition. Rules are checked in registration order; the
// first match wins.
func (a *Actor) Forward(topic string, target Ref) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwardList = append(a.forwardList, forwardEntry{topic: topic, target: target})
}

// ForwardPattern installs a regexp-matched forwarding rule.
func (a *Actor) ForwardPattern(pattern *regexp.Regexp, target Ref) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwardList = append(a.forwardList, forwardEntry{pattern: pattern, target: target})
}

// ForwardAllUnknown installs the catch-all: any topic with no local
// handler and no more specific forwarding match goes to target.
func (a *Actor) ForwardAllUnknown(target Ref) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwardAllUnknown = &target
}

// resolveForward returns the forwarding target for topic, if any, checked
// in registration order. forwardAllUnknown only applies once no entry in
// forwardList matches and no local handler answers topic either: an
// explicit handler always wins over the catch-all.
func (a *Actor) resolveForward(topic string) (Ref, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.forwardList {
		if e.matches(topic) {
			return e.target, true
		}
	}
	if a.forwardAllUnknown != nil {
		if _, ok := a.def.Handle(topic); !ok {
			return *a.forwardAllUnknown, true
		}
	}
	return nil, false
}

// dispatchSend implements the state-check -> forward -> handler pipeline
// for fire-and-forget sends. Failures are logged, never returned, matching
// Ref.Send's contract.
func (a *Actor) dispatchSend(ctx context.Context, topic string, args []any) {
	state := a.State()
	if state != StateReady {
		WarnS(ctx, "dropping send to actor not ready", newNotReadyErr(a.id, state),
			"actor_id", a.id, "topic", topic, "state", state.String())
		return
	}
	if target, ok := a.resolveForward(topic); ok {
		target.Send(ctx, topic, args...)
		return
	}
	if a.impl != nil {
		a.impl.dispatchSend(ctx, topic, args)
		return
	}
	a.localSend(ctx, topic, args)
}

// dispatchAsk implements the same pipeline for request/response sends.
func (a *Actor) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	state := a.State()
	if state != StateReady {
		return nil, newNotReadyErr(a.id, state)
	}
	if target, ok := a.resolveForward(topic); ok {
		return target.SendAndReceive(ctx, topic, args...)
	}
	if a.impl != nil {
		return a.impl.dispatchAsk(ctx, topic, args)
	}
	return a.localAsk(ctx, topic, args)
}

// localSend and localAsk run a handler directly against this actor's own
// Definition. This is the terminal step for in-memory actors, and is also
// what a forked/remote worker calls once it has unwrapped an
// actor-message envelope addressed to one of its own local actors.
func (a *Actor) localSend(ctx context.Context, topic string, args []any) {
	if _, err := a.invoke(ctx, topic, args); err != nil {
		WarnS(ctx, "handler failed for fire-and-forget send", err,
			"actor_id", a.id, "topic", topic)
	}
}

func (a *Actor) localAsk(ctx context.Context, topic string, args []any) (any, error) {
	return a.invoke(ctx, topic, args)
}

func (a *Actor) invoke(ctx context.Context, topic string, args []any) (any, error) {
	handler, ok := a.def.Handle(topic)
	if !ok {
		return nil, newNoHandlerErr(a.id, topic)
	}
	actx := &ActorContext{actor: a}
	result, err := handler(ctx, actx, args...)
	if err != nil {
		return nil, newHandlerErr(a.id, err)
	}
	if deferred, ok := result.(Deferred); ok {
		return deferred.Resolve(ctx)
	}
	return result, nil
}

// TreeNode is a snapshot of one actor in the tree, used both for the
// public Tree() operation and the actor-tree envelope a forked/remote
// worker answers with.
type TreeNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Mode     Mode       `json:"mode"`
	State    string     `json:"state"`
	Children []TreeNode `json:"children,omitempty"`
}

// Tree returns a snapshot of this actor's subtree. For forked/remote
// actors this delegates to the child process over the bus.
func (a *Actor) Tree(ctx context.Context) (TreeNode, error) {
	if fetcher, ok := a.impl.(treeFetcher); ok {
		return fetcher.fetchTree(ctx)
	}

	a.mu.RLock()
	children := make([]*Actor, len(a.children))
	copy(children, a.children)
	a.mu.RUnlock()

	node := TreeNode{ID: a.id, Name: a.name, Mode: a.mode, State: a.State().String()}
	for _, c := range children {
		childNode, err := c.Tree(ctx)
		if err != nil {
			return TreeNode{}, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

type treeFetcher interface {
	fetchTree(context.Context) (TreeNode, error)
}

// decodeTreeNode coerces a tree snapshot that crossed a bus back into a
// TreeNode: the pipe bus hands the registered concrete type through
// unchanged, while the socket bus's JSON framing produces a
// map[string]any that needs one more decode hop. An unrecognizable
// payload degrades to a single node for the proxy itself.
func decodeTreeNode(res any, fallbackID string, mode Mode, state State) (TreeNode, error) {
	switch t := res.(type) {
	case TreeNode:
		return t, nil
	case map[string]any:
		blob, err := json.Marshal(t)
		if err != nil {
			return TreeNode{}, newMarshalErr("re-encode tree snapshot", err)
		}
		var node TreeNode
		if err := json.Unmarshal(blob, &node); err != nil {
			return TreeNode{}, newMarshalErr("decode tree snapshot", err)
		}
		return node, nil
	}
	return TreeNode{ID: fallbackID, Mode: mode, State: state.String()}, nil
}

type metricsFetcher interface {
	fetchMetrics(context.Context) (map[string]any, error)
}

// Metrics returns this actor's own metrics merged with its children's,
// keyed by child name (falling back to ID when unnamed). A child in
// StateDestroying or StateDestroyed is excluded from the merge.
func (a *Actor) Metrics(ctx context.Context) (map[string]any, error) {
	if fetcher, ok := a.impl.(metricsFetcher); ok {
		return fetcher.fetchMetrics(ctx)
	}

	out := map[string]any{}
	actx := &ActorContext{actor: a}
	if a.def.Metrics != nil {
		for k, v := range a.def.Metrics(ctx, actx) {
			out[k] = v
		}
	}

	a.mu.RLock()
	children := make([]*Actor, len(a.children))
	copy(children, a.children)
	a.mu.RUnlock()

	for _, c := range children {
		if c.State() == StateDestroying || c.State() == StateDestroyed {
			continue
		}
		childMetrics, err := c.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		key := c.name
		if key == "" {
			key = c.id
		}
		out[key] = childMetrics
	}
	return out, nil
}

// Destroy tears the actor and its subtree down: children first (in
// reverse creation order), then this actor's own Destroy hook and
// ResourceCloser, then the state flips to destroyed. Idempotent.
func (a *Actor) Destroy(ctx context.Context) error {
	var outerErr error
	a.destroyOnce.Do(func() {
		a.setState(StateDestroying)

		a.mu.Lock()
		children := make([]*Actor, len(a.children))
		copy(children, a.children)
		a.mu.Unlock()

		for i := len(children) - 1; i >= 0; i-- {
			if err := children[i].Destroy(ctx); err != nil {
				outerErr = err
			}
		}

		actx := &ActorContext{actor: a}
		if a.def.Destroy != nil {
			if err := a.def.Destroy(ctx, actx); err != nil {
				outerErr = err
			}
		}
		if a.def.ResourceCloser != nil {
			if err := a.def.ResourceCloser(); err != nil {
				outerErr = err
			}
		}
		if destroyer, ok := a.impl.(interface{ destroy(context.Context) error }); ok {
			if err := destroyer.destroy(ctx); err != nil {
				outerErr = err
			}
		}

		if a.parent != nil {
			a.parent.removeChild(a.id)
		}
		a.setState(StateDestroyed)
	})
	return outerErr
}

// actorHandle is the concrete Ref handed out for an Actor: a thin adapter
// from the public Ref surface onto Actor's dispatch pipeline.
type actorHandle struct {
	a *Actor
}

func (h *actorHandle) ID() string   { return h.a.id }
func (h *actorHandle) Name() string { return h.a.name }
func (h *actorHandle) Mode() Mode   { return h.a.mode }

func (h *actorHandle) Send(ctx context.Context, topic string, args ...any) {
	h.a.dispatchSend(ctx, topic, args)
}

func (h *actorHandle) SendAndReceive(ctx context.Context, topic string, args ...any) (any, error) {
	return h.a.dispatchAsk(ctx, topic, args)
}

func (h *actorHandle) dispatchSend(ctx context.Context, topic string, args []any) {
	h.a.dispatchSend(ctx, topic, args)
}

func (h *actorHandle) dispatchAsk(ctx context.Context, topic string, args []any) (any, error) {
	return h.a.dispatchAsk(ctx, topic, args)
}

// remoteHost lets the reference marshaller distinguish an actorHandle
// backed by a remote-mode impl (which should marshal as an
// InterHostReference) from one backed by an in-memory or forked impl
// (InterProcessReference). Returns "" when the underlying impl doesn't
// expose a host, in which case marshal.go's referenceMarshaller.Marshal
// falls through to the InterProcessReference path instead.
func (h *actorHandle) remoteHost() string {
	h.a.mu.RLock()
	impl := h.a.impl
	h.a.mu.RUnlock()
	if hostImpl, ok := impl.(interface{ remoteHost() string }); ok {
		return hostImpl.remoteHost()
	}
	return ""
}
