package actor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotReadyMessagesTrackState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state State
		want  string
	}{
		{StateNew, "Actor has not yet been initialized"},
		{StateCrashed, "Actor has crashed"},
		{StateDestroying, "Actor is destroying"},
		{StateDestroyed, "Actor has been destroyed"},
	}
	for _, tc := range cases {
		err := newNotReadyErr("a-1", tc.state)
		require.Equal(t, ErrKindNotReady, err.Kind)
		require.Contains(t, err.Error(), tc.want, "state %s", tc.state)
	}
}

func TestErrorKindSlugs(t *testing.T) {
	t.Parallel()

	require.Equal(t, "not-ready", ErrKindNotReady.String())
	require.Equal(t, "no-handler", ErrKindNoHandler.String())
	require.Equal(t, "handler-error", ErrKindHandlerError.String())
	require.Equal(t, "transport-error", ErrKindTransport.String())
	require.Equal(t, "timeout", ErrKindTimeout.String())
	require.Equal(t, "config-error", ErrKindConfig.String())
	require.Equal(t, "marshal-error", ErrKindMarshal.String())
}

func TestHandlerErrWrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := newHandlerErr("a-1", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "boom")
}

func TestNoHandlerErrNamesTopic(t *testing.T) {
	t.Parallel()

	err := newNoHandlerErr("a-1", "missingTopic")
	require.Contains(t, err.Error(), "No handler for message")
	require.Contains(t, err.Error(), "missingTopic")
}
