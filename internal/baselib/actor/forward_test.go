package actor

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func registerRecorder(registry *DefinitionRegistry, name string, topics []string, record func(topic string)) {
	handlers := make(map[string]HandlerFunc, len(topics))
	for _, topic := range topics {
		topic := topic
		handlers[topic] = func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
			record(topic)
			return topic, nil
		}
	}
	registry.Register(name, func(map[string]any) (Definition, error) {
		return Definition{Handlers: handlers}, nil
	})
}

func TestForwardPatternMatchesByRegexp(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	var mu sync.Mutex
	var seen []string
	record := func(topic string) {
		mu.Lock()
		seen = append(seen, topic)
		mu.Unlock()
	}

	registry := NewDefinitionRegistry()
	registerRecorder(registry, "sink", []string{"metrics.cpu", "metrics.mem"}, record)
	registry.Register("front", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	sys.cfg.Definitions = registry

	frontRef, err := sys.CreateActor(context.Background(), "front")
	require.NoError(t, err)
	sinkRef, err := sys.CreateActor(context.Background(), "sink")
	require.NoError(t, err)

	front := frontRef.(*actorHandle).a
	front.ForwardPattern(regexp.MustCompile(`^metrics\.`), sinkRef)

	res, err := frontRef.SendAndReceive(context.Background(), "metrics.cpu")
	require.NoError(t, err)
	require.Equal(t, "metrics.cpu", res)

	_, err = frontRef.SendAndReceive(context.Background(), "unrelated")
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindNoHandler, actorErr.Kind)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"metrics.cpu"}, seen)
}

// First match in registration order wins when several rules cover a topic.
func TestForwardFirstMatchWins(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	var mu sync.Mutex
	var winner string

	registry := NewDefinitionRegistry()
	registry.Register("front", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	registerRecorder(registry, "first", []string{"job"}, func(string) {
		mu.Lock()
		winner = "first"
		mu.Unlock()
	})
	registerRecorder(registry, "second", []string{"job"}, func(string) {
		mu.Lock()
		winner = "second"
		mu.Unlock()
	})
	sys.cfg.Definitions = registry

	frontRef, err := sys.CreateActor(context.Background(), "front")
	require.NoError(t, err)
	firstRef, err := sys.CreateActor(context.Background(), "first")
	require.NoError(t, err)
	secondRef, err := sys.CreateActor(context.Background(), "second")
	require.NoError(t, err)

	front := frontRef.(*actorHandle).a
	front.Forward("job", firstRef)
	front.Forward("job", secondRef)

	_, err = frontRef.SendAndReceive(context.Background(), "job")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "first", winner)
}

// ForwardToChild refuses a target outside the caller's child set.
func TestForwardToChildVerifiesMembership(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("empty", func(map[string]any) (Definition, error) {
		return Definition{}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "empty")
	require.NoError(t, err)
	strangerRef, err := sys.CreateActor(context.Background(), "empty")
	require.NoError(t, err)

	parent := parentRef.(*actorHandle).a
	actx := &ActorContext{actor: parent}

	err = actx.ForwardToChild(strangerRef, "anything")
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindConfig, actorErr.Kind)

	childRef, err := actx.CreateChild(context.Background(), "empty")
	require.NoError(t, err)
	require.NoError(t, actx.ForwardToChild(childRef, "anything"))
}

// The seed accumulation scenario driven through the public forwarding
// surface: a grandchild's ForwardToParent walks "plus" and "times" up two
// levels of explicit forwarding.
func TestForwardToParentChainsUpTheTree(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	var mu sync.Mutex
	r := 0

	registry := NewDefinitionRegistry()
	registry.Register("math", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"plus": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					r += args[0].(int)
					return r, nil
				},
				"times": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					r *= args[0].(int)
					return r, nil
				},
			},
		}, nil
	})
	registry.Register("relay", func(map[string]any) (Definition, error) {
		return Definition{
			Initialize: func(ctx context.Context, self *ActorContext) error {
				return self.ForwardToParent("plus", "times")
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "math")
	require.NoError(t, err)
	parentActx := &ActorContext{actor: parentRef.(*actorHandle).a}

	childRef, err := parentActx.CreateChild(context.Background(), "relay")
	require.NoError(t, err)
	childActx := &ActorContext{actor: childRef.(*actorHandle).a}

	grandchildRef, err := childActx.CreateChild(context.Background(), "relay")
	require.NoError(t, err)

	_, err = grandchildRef.SendAndReceive(context.Background(), "plus", 2)
	require.NoError(t, err)
	_, err = grandchildRef.SendAndReceive(context.Background(), "times", 3)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 6, r)
}

func TestForwardAllUnknownToParent(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("answering-parent", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"anything": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return "from-parent", nil
				},
			},
		}, nil
	})
	registry.Register("deferring-child", func(map[string]any) (Definition, error) {
		return Definition{
			Initialize: func(ctx context.Context, self *ActorContext) error {
				return self.ForwardAllUnknownToParent()
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	parentRef, err := sys.CreateActor(context.Background(), "answering-parent")
	require.NoError(t, err)
	actx := &ActorContext{actor: parentRef.(*actorHandle).a}

	childRef, err := actx.CreateChild(context.Background(), "deferring-child")
	require.NoError(t, err)

	res, err := childRef.SendAndReceive(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, "from-parent", res)
}
