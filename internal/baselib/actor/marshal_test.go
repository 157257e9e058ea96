package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// upperMarshaller is a toy custom marshaller for string payloads,
// registered under a type name the way an application would register one
// for its own message types.
type upperMarshaller struct{}

func (upperMarshaller) Name() string            { return "loud-string" }
func (upperMarshaller) CanMarshal(v any) bool   { _, ok := v.(loudString); return ok }
func (upperMarshaller) Marshal(v any) (any, error) {
	return string(v.(loudString)), nil
}
func (upperMarshaller) Unmarshal(raw any) (any, error) {
	s, _ := raw.(string)
	return loudString(s), nil
}

type loudString string

func TestReferenceMarshallerLocalRoundTrip(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	registry := NewDefinitionRegistry()
	registry.Register("pong", func(map[string]any) (Definition, error) {
		return Definition{
			Handlers: map[string]HandlerFunc{
				"ping": func(ctx context.Context, self *ActorContext, args ...any) (any, error) {
					return "pong", nil
				},
			},
		}, nil
	})
	sys.cfg.Definitions = registry

	ref, err := sys.CreateActor(context.Background(), "pong")
	require.NoError(t, err)

	wire, name, err := sys.cfg.Marshallers.marshalOut(ref)
	require.NoError(t, err)
	require.Equal(t, "actor-reference", name)

	token, ok := wire.(InterProcessReference)
	require.True(t, ok)
	require.Equal(t, ref.ID(), token.ActorID)

	// A reference resolved in the same process lands back on the real
	// actor, not a proxy.
	back, err := sys.cfg.Marshallers.unmarshalIn(wire, name)
	require.NoError(t, err)
	backRef, ok := back.(Ref)
	require.True(t, ok)
	require.Equal(t, ref.ID(), backRef.ID())

	res, err := backRef.SendAndReceive(context.Background(), "ping")
	require.NoError(t, err)
	require.Equal(t, "pong", res)
}

func TestReferenceMarshallerHostToken(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	raw := map[string]any{
		"actorId": "remote-actor-1",
		"name":    "upstream",
		"host":    "10.0.0.7:6161",
		"mode":    string(ModeRemote),
	}
	back, err := sys.cfg.Marshallers.unmarshalIn(raw, "actor-reference")
	require.NoError(t, err)

	proxy, ok := back.(*hostProxyRef)
	require.True(t, ok)
	require.Equal(t, "remote-actor-1", proxy.ID())
	require.Equal(t, "10.0.0.7:6161", proxy.remoteHost())
	require.Equal(t, ModeRemote, proxy.Mode())
}

func TestCustomMarshallerRoundTrip(t *testing.T) {
	t.Parallel()

	reg := NewMarshallerRegistry()
	reg.Register(upperMarshaller{})

	wire, name, err := reg.marshalOut(loudString("hello"))
	require.NoError(t, err)
	require.Equal(t, "loud-string", name)
	require.Equal(t, "hello", wire)

	back, err := reg.unmarshalIn(wire, name)
	require.NoError(t, err)
	require.Equal(t, loudString("hello"), back)
}

func TestUnmarshalUnknownMarshallerFails(t *testing.T) {
	t.Parallel()

	reg := NewMarshallerRegistry()
	_, err := reg.unmarshalIn("x", "never-registered")
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindMarshal, actorErr.Kind)
}

func TestPlainValuesPassThroughUnmarshalled(t *testing.T) {
	t.Parallel()

	reg := NewMarshallerRegistry()
	wire, name, err := reg.marshalOut(map[string]any{"count": 3})
	require.NoError(t, err)
	require.Empty(t, name)
	require.Equal(t, map[string]any{"count": 3}, wire)
}
