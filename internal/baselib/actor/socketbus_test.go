package actor

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSocketBusPair(t *testing.T) (*socketBus, *socketBus) {
	t.Helper()
	a, b := net.Pipe()
	busA := newSocketBus(a)
	busB := newSocketBus(b)
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
	})
	return busA, busB
}

// An envelope framed over the socket bus arrives with its body re-decoded
// into the concrete struct for its type, not a bare map.
func TestSocketBusRoundTripNormalizesBody(t *testing.T) {
	t.Parallel()
	busA, busB := newSocketBusPair(t)

	gotCh := make(chan Envelope, 1)
	busB.OnMessage(func(env Envelope, handle *os.File) {
		require.Nil(t, handle)
		gotCh <- env
	})

	sent := Envelope{
		Type: EnvActorMessage, ID: "corr-1", ActorID: "actor-1",
		Body: ActorMessageBody{Topic: "greet", Message: "hello", Receive: true},
	}
	ackCh := make(chan error, 1)
	busA.Send(sent, func(err error) { ackCh <- err })
	require.NoError(t, <-ackCh)

	select {
	case got := <-gotCh:
		require.Equal(t, sent.Type, got.Type)
		require.Equal(t, sent.ID, got.ID)
		require.Equal(t, sent.ActorID, got.ActorID)
		body, ok := got.Body.(ActorMessageBody)
		require.True(t, ok)
		require.Equal(t, "greet", body.Topic)
		require.Equal(t, "hello", body.Message)
		require.True(t, body.Receive)
	case <-time.After(time.Second):
		t.Fatal("envelope never arrived")
	}
}

func TestSocketBusRefusesHandleTransfer(t *testing.T) {
	t.Parallel()
	busA, _ := newSocketBusPair(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	handle, err := handleFromListener(lis)
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	ackCh := make(chan error, 1)
	busA.SendHandle(Envelope{Type: EnvActorMessage, ID: "1"}, handle, func(err error) {
		ackCh <- err
	})
	err = <-ackCh
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindTransport, actorErr.Kind)
}

func TestSocketBusEmitsExitOnPeerClose(t *testing.T) {
	t.Parallel()
	busA, busB := newSocketBusPair(t)

	exitCh := make(chan struct{}, 1)
	busB.OnExit(func() { exitCh <- struct{}{} })

	require.NoError(t, busA.Close())

	select {
	case <-exitCh:
	case <-time.After(time.Second):
		t.Fatal("exit never fired")
	}
}

func TestPipeBusEmitsExitOnPeerClose(t *testing.T) {
	t.Parallel()
	busA, busB := newBusPair(t)

	exitCh := make(chan struct{}, 1)
	busB.OnExit(func() { exitCh <- struct{}{} })

	require.NoError(t, busA.Close())

	select {
	case <-exitCh:
	case <-time.After(time.Second):
		t.Fatal("exit never fired")
	}
}

// The pipe bus carries registered concrete body types through gob without
// any re-decode hop.
func TestPipeBusCarriesConcreteBodies(t *testing.T) {
	t.Parallel()
	busA, busB := newBusPair(t)

	gotCh := make(chan Envelope, 1)
	busB.OnMessage(func(env Envelope, _ *os.File) { gotCh <- env })

	busA.Send(Envelope{
		Type: EnvCreateActor, ID: "c-1", ActorID: "actor-1",
		Body: CreateActorBody{
			ID: "actor-1", DefinitionName: "worker-def", Mode: ModeForked,
			PingTimeoutMS: 5000,
		},
	}, nil)

	select {
	case got := <-gotCh:
		body, ok := got.Body.(CreateActorBody)
		require.True(t, ok)
		require.Equal(t, "worker-def", body.DefinitionName)
		require.Equal(t, int64(5000), body.PingTimeoutMS)
	case <-time.After(time.Second):
		t.Fatal("envelope never arrived")
	}
}
