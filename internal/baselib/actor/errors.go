package actor

import "fmt"

// ErrorKind classifies the failure modes a dispatch operation can produce:
// a send/sendAndReceive issued outside the ready state, a missing handler,
// a user handler error, a transport failure, a deadline overrun, bad
// system configuration, or a marshalling failure.
type ErrorKind int

const (
	// ErrKindNotReady means the operation was invoked while the actor was
	// not in the ready state. The message varies with the actual state.
	ErrKindNotReady ErrorKind = iota

	// ErrKindNoHandler means the topic had no registered handler and no
	// forwarding rule matched.
	ErrKindNoHandler

	// ErrKindHandlerError means the user behavior returned an error.
	ErrKindHandlerError

	// ErrKindTransport means the bus failed to deliver an envelope or the
	// peer process/connection was lost.
	ErrKindTransport

	// ErrKindTimeout means a pending sendAndReceive exceeded its deadline.
	ErrKindTimeout

	// ErrKindConfig means system configuration was invalid: unknown mode,
	// unknown cluster, missing marshaller, or a cyclic resource
	// dependency.
	ErrKindConfig

	// ErrKindMarshal means an encoder/decoder failed.
	ErrKindMarshal
)

// String renders the kind as a stable slug, useful for log fields and
// test assertions.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotReady:
		return "not-ready"
	case ErrKindNoHandler:
		return "no-handler"
	case ErrKindHandlerError:
		return "handler-error"
	case ErrKindTransport:
		return "transport-error"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindConfig:
		return "config-error"
	case ErrKindMarshal:
		return "marshal-error"
	default:
		return "unknown"
	}
}

// ActorError is the concrete error type returned by dispatch, lifecycle, and
// transport operations. Callers that need to branch on failure mode should
// use errors.As against *ActorError and inspect Kind, rather than string
// matching Error().
type ActorError struct {
	Kind    ErrorKind
	ActorID string
	Msg     string
	Err     error
}

func (e *ActorError) Error() string {
	if e.ActorID != "" {
		return fmt.Sprintf("%s (actor %s): %s", e.Kind, e.ActorID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ActorError) Unwrap() error { return e.Err }

// newNotReadyErr builds the not-ready error for the given lifecycle state;
// the message names the actual state so callers can tell a crash from an
// in-flight teardown.
func newNotReadyErr(actorID string, state State) *ActorError {
	msg := "Actor is not ready"
	switch state {
	case StateNew:
		msg = "Actor has not yet been initialized"
	case StateCrashed:
		msg = "Actor has crashed"
	case StateDestroying:
		msg = "Actor is destroying"
	case StateDestroyed:
		msg = "Actor has been destroyed"
	}
	return &ActorError{Kind: ErrKindNotReady, ActorID: actorID, Msg: msg}
}

func newNoHandlerErr(actorID, topic string) *ActorError {
	return &ActorError{
		Kind:    ErrKindNoHandler,
		ActorID: actorID,
		Msg:     fmt.Sprintf("No handler for message %q", topic),
	}
}

func newHandlerErr(actorID string, err error) *ActorError {
	return &ActorError{
		Kind:    ErrKindHandlerError,
		ActorID: actorID,
		Msg:     err.Error(),
		Err:     err,
	}
}

func newTransportErr(actorID, msg string, err error) *ActorError {
	return &ActorError{
		Kind:    ErrKindTransport,
		ActorID: actorID,
		Msg:     msg,
		Err:     err,
	}
}

func newTimeoutErr(actorID string) *ActorError {
	return &ActorError{
		Kind:    ErrKindTimeout,
		ActorID: actorID,
		Msg:     "Response timed out.",
	}
}

func newConfigErr(msg string) *ActorError {
	return &ActorError{Kind: ErrKindConfig, Msg: msg}
}

func newMarshalErr(msg string, err error) *ActorError {
	return &ActorError{Kind: ErrKindMarshal, Msg: msg, Err: err}
}
