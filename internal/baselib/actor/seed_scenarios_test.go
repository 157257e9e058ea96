package actor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests exercise the core dispatch, forwarding, metrics-merge, and
// lifecycle invariants of an in-memory actor tree end to end.

func newTestSystem(t *testing.T) *System {
	t.Helper()
	sys := NewSystem(DefaultSystemConfig())
	t.Cleanup(func() { _ = sys.Destroy(context.Background()) })
	return sys
}

// Seed scenario 1: a child accumulates extState += msg.count on every
// "myMessage" send.
func TestSeedScenario_AccumulatingSend(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	extState := 0

	registry := NewDefinitionRegistry()
	registry.Register("accumulator", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"myMessage": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					msg := args[0].(map[string]any)
					mu.Lock()
					extState += msg["count"].(int)
					mu.Unlock()
					return nil, nil
				},
			},
		}, nil
	})

	cfg := DefaultSystemConfig()
	cfg.Definitions = registry
	sys := NewSystem(cfg)
	t.Cleanup(func() { _ = sys.Destroy(context.Background()) })

	ref, err := sys.CreateActor(context.Background(), "accumulator")
	require.NoError(t, err)

	ref.Send(context.Background(), "myMessage", map[string]any{"count": 3})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, extState)
}

// Seed scenario 2: sendAndReceive("howMany", [1,2,3]) returns 3.
func TestSeedScenario_HowMany(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("counter", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"howMany": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					a := args[0].([]any)
					return len(a), nil
				},
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	ref, err := sys.CreateActor(context.Background(), "counter")
	require.NoError(t, err)

	res, err := ref.SendAndReceive(context.Background(), "howMany", []any{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, res)
}

// Seed scenario 3: sayHello(to, from) returns "Hello to <to> from <from>".
func TestSeedScenario_SayHello(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("greeter", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"sayHello": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					to := args[0].(string)
					from := args[1].(string)
					return "Hello to " + to + " from " + from, nil
				},
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	ref, err := sys.CreateActor(context.Background(), "greeter")
	require.NoError(t, err)

	res, err := ref.SendAndReceive(context.Background(), "sayHello", "Bob", "Jack")
	require.NoError(t, err)
	require.Equal(t, "Hello to Bob from Jack", res)
}

// Seed scenario 4: a grandchild forwards "plus"/"times" to the parent,
// which accumulates r = (r+n) then r = r*n.
func TestSeedScenario_ForwardToParentAccumulates(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	var mu sync.Mutex
	r := 0

	registry := NewDefinitionRegistry()
	registry.Register("parent-math", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"plus": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					r += int(args[0].(int))
					return r, nil
				},
				"times": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					r *= int(args[0].(int))
					return r, nil
				},
			},
		}, nil
	})
	registry.Register("empty", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "parent-math")
	require.NoError(t, err)
	parent := parentRef.(*actorHandle).a

	childCtx := &ActorContext{actor: parent}
	childRef, err := childCtx.CreateChild(context.Background(), "empty")
	require.NoError(t, err)
	child := childRef.(*actorHandle).a

	grandchildCtx := &ActorContext{actor: child}
	grandchildRef, err := grandchildCtx.CreateChild(context.Background(), "empty")
	require.NoError(t, err)
	grandchild := grandchildRef.(*actorHandle).a

	grandchild.Forward("plus", parentRef)
	grandchild.Forward("times", parentRef)

	_, err = grandchildRef.SendAndReceive(context.Background(), "plus", 2)
	require.NoError(t, err)
	_, err = grandchildRef.SendAndReceive(context.Background(), "times", 3)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 6, r)
}

// Seed scenario 5: parent.Metrics() merges its own metrics with each
// child's, keyed by name; destroying a child removes its key.
func TestSeedScenario_MetricsMergeAndDestroyExcludes(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("parent-metrics", func(map[string]any) (Definition, error) {
		return Definition{
			Metrics: func(ctx context.Context, self *ActorContext) map[string]any {
				return map[string]any{"parentMetric": 111}
			},
		}, nil
	})
	registry.Register("child1", func(map[string]any) (Definition, error) {
		return Definition{
			Metrics: func(ctx context.Context, self *ActorContext) map[string]any {
				return map[string]any{"childMetric": 222}
			},
		}, nil
	})
	registry.Register("child2", func(map[string]any) (Definition, error) {
		return Definition{
			Metrics: func(ctx context.Context, self *ActorContext) map[string]any {
				return map[string]any{"childMetric": 333}
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "parent-metrics")
	require.NoError(t, err)
	parent := parentRef.(*actorHandle).a
	actx := &ActorContext{actor: parent}

	_, err = actx.CreateChild(context.Background(), "child1", WithName("Child1"))
	require.NoError(t, err)
	child2Ref, err := actx.CreateChild(context.Background(), "child2", WithName("Child2"))
	require.NoError(t, err)

	metrics, err := parent.Metrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, 111, metrics["parentMetric"])
	require.Equal(t, map[string]any{"childMetric": 222}, metrics["Child1"])
	require.Equal(t, map[string]any{"childMetric": 333}, metrics["Child2"])

	require.NoError(t, child2Ref.(*actorHandle).a.Destroy(context.Background()))

	metrics, err = parent.Metrics(context.Background())
	require.NoError(t, err)
	_, hasChild2 := metrics["Child2"]
	require.False(t, hasChild2)
	require.Equal(t, map[string]any{"childMetric": 222}, metrics["Child1"])
}

// Invariant: sendAndReceive before initialize completes fails with a
// not-ready error whose message names the uninitialized state.
func TestInvariant_NotReadyBeforeInitialize(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	a := newActor(sys, sys.root, NewID(), "uninitialized", ModeInMemory, Definition{
		Handlers: map[string]HandlerFunc{
			"hello": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
				return "hi", nil
			},
		},
	}, nil)

	_, err := a.dispatchAsk(context.Background(), "hello", nil)
	require.Error(t, err)
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindNotReady, actorErr.Kind)
	require.Contains(t, actorErr.Error(), "Actor has not yet been initialized")
}

// Invariant: a topic with no handler and no forwarding match fails with
// no-handler, not a panic or zero value.
func TestInvariant_NoHandlerFails(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("empty", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	sys.cfg.Definitions = registry

	ref, err := sys.CreateActor(context.Background(), "empty")
	require.NoError(t, err)

	_, err = ref.SendAndReceive(context.Background(), "unknown")
	require.Error(t, err)
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindNoHandler, actorErr.Kind)
}

// Invariant: destroy hooks fire in post-order (descendants before their
// parent).
func TestInvariant_DestroyPostOrder(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	var mu sync.Mutex
	var order []string

	makeDef := func(name string) DefinitionFactory {
		return func(map[string]any) (Definition, error) {
			return Definition{
				Destroy: func(ctx context.Context, self *ActorContext) error {
					mu.Lock()
					order = append(order, name)
					mu.Unlock()
					return nil
				},
			}, nil
		}
	}

	registry := NewDefinitionRegistry()
	registry.Register("root-beh", makeDef("root"))
	registry.Register("mid-beh", makeDef("mid"))
	registry.Register("leaf-beh", makeDef("leaf"))
	sys.cfg.Definitions = registry

	rootRef, err := sys.CreateActor(context.Background(), "root-beh")
	require.NoError(t, err)
	rootActx := &ActorContext{actor: rootRef.(*actorHandle).a}

	midRef, err := rootActx.CreateChild(context.Background(), "mid-beh")
	require.NoError(t, err)
	midActx := &ActorContext{actor: midRef.(*actorHandle).a}

	_, err = midActx.CreateChild(context.Background(), "leaf-beh")
	require.NoError(t, err)

	require.NoError(t, rootRef.(*actorHandle).a.Destroy(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"leaf", "mid", "root"}, order)
}

// Forwarding transparency: P.SendAndReceive(topic, x) observably equals
// C.SendAndReceive(topic, x) for a topic forwarded to C.
func TestForwardToChild_Transparent(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("parent-empty", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	registry.Register("child-double", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"double": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return args[0].(int) * 2, nil
				},
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "parent-empty")
	require.NoError(t, err)
	parent := parentRef.(*actorHandle).a
	actx := &ActorContext{actor: parent}

	childRef, err := actx.CreateChild(context.Background(), "child-double")
	require.NoError(t, err)
	parent.Forward("double", childRef)

	directResult, err := childRef.SendAndReceive(context.Background(), "double", 21)
	require.NoError(t, err)

	forwardedResult, err := parentRef.SendAndReceive(context.Background(), "double", 21)
	require.NoError(t, err)

	require.Equal(t, directResult, forwardedResult)
	require.Equal(t, 42, forwardedResult)
}

// ForwardAllUnknown only wins when no explicit handler exists for the
// topic.
func TestForwardAllUnknown_YieldsToExplicitHandler(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("has-local", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"local": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return "local-answer", nil
				},
			},
		}, nil
	})
	registry.Register("catch-all", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"local":   func(ctx context.Context, self *ActorContext, args ...any) (any, error) { return "wrong", nil },
				"unknown": func(ctx context.Context, self *ActorContext, args ...any) (any, error) { return "caught", nil },
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	hasLocalRef, err := sys.CreateActor(context.Background(), "has-local")
	require.NoError(t, err)
	catchAllRef, err := sys.CreateActor(context.Background(), "catch-all")
	require.NoError(t, err)

	hasLocalRef.(*actorHandle).a.ForwardAllUnknown(catchAllRef)

	res, err := hasLocalRef.SendAndReceive(context.Background(), "local")
	require.NoError(t, err)
	require.Equal(t, "local-answer", res)

	res, err = hasLocalRef.SendAndReceive(context.Background(), "unknown")
	require.NoError(t, err)
	require.Equal(t, "caught", res)
}

// Tree round trip: Tree() returns exactly the transitive set of
// non-destroyed descendants.
func TestTree_RoundTrip(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("tree-node", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	sys.cfg.Definitions = registry

	rootRef, err := sys.CreateActor(context.Background(), "tree-node", WithName("root-actor"))
	require.NoError(t, err)
	root := rootRef.(*actorHandle).a
	actx := &ActorContext{actor: root}

	childRef, err := actx.CreateChild(context.Background(), "tree-node", WithName("only-child"))
	require.NoError(t, err)

	node, err := root.Tree(context.Background())
	require.NoError(t, err)
	require.Equal(t, root.id, node.ID)
	require.Len(t, node.Children, 1)
	require.Equal(t, "only-child", node.Children[0].Name)

	require.NoError(t, childRef.(*actorHandle).a.Destroy(context.Background()))

	node, err = root.Tree(context.Background())
	require.NoError(t, err)
	require.Empty(t, node.Children)
}
