package actor

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

func init() {
	gob.Register(CreateActorBody{})
	gob.Register(ActorMessageBody{})
	gob.Register(ActorResponseBody{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(TreeNode{})
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]string{})
	gob.Register(InterProcessReference{})
	gob.Register(InterHostReference{})
}

// RegisterWireType registers a concrete type with the package's gob codec
// so values of that type can travel inside an actor-message or
// actor-response envelope body over the pipe bus. Applications whose
// handlers return or accept custom struct types across a forked boundary
// must call this (typically from an init() alongside the handler's own
// definition factory); gob requires every concrete type boxed in an any
// field to be registered before it can be encoded or decoded.
func RegisterWireType(v any) { gob.Register(v) }

// newPipePair creates a connected pair of unix domain sockets suitable for
// parent<->forked-child IPC. The parent keeps parentEnd; childEnd is meant
// to be inherited by the worker process via exec.Cmd.ExtraFiles, where the
// child reconstructs its own pipeBus from the inherited file descriptor
// (see RunWorker). Using AF_UNIX rather than a plain os.Pipe is what lets
// the bus carry an OS listening-socket handle alongside an envelope: only
// unix domain sockets support passing file descriptors as ancillary data.
func newPipePair() (parentEnd, childEnd *os.File, err error) {
	fds, err := syscall.Socketpair(
		syscall.AF_UNIX, syscall.SOCK_STREAM, 0,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parentEnd = os.NewFile(uintptr(fds[0]), "pipebus-parent")
	childEnd = os.NewFile(uintptr(fds[1]), "pipebus-child")
	return parentEnd, childEnd, nil
}

// pipeBus implements Bus over a unix domain socketpair. Envelopes are
// gob-encoded and framed with a 4-byte big-endian length prefix; an
// accompanying OS handle, when present, rides as SCM_RIGHTS ancillary data
// attached to that same length-prefix write, by convention with the
// reader, which always issues its length-prefix read via ReadMsgUnix so it
// can recover any attached rights.
type pipeBus struct {
	conn *net.UnixConn
	file *os.File

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMsg     func(Envelope, *os.File)
	onExit    func()

	closeOnce sync.Once
	closed    chan struct{}
}

// newPipeBus wraps an inherited or locally created unix-socket file
// descriptor as a Bus and starts its read loop.
func newPipeBus(f *os.File) (*pipeBus, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("pipebus: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("pipebus: not a unix socket")
	}
	b := &pipeBus{conn: uc, file: f, closed: make(chan struct{})}
	go b.readLoop()
	return b, nil
}

func (b *pipeBus) OnMessage(f func(Envelope, *os.File)) {
	b.handlerMu.Lock()
	b.onMsg = f
	b.handlerMu.Unlock()
}

func (b *pipeBus) OnExit(f func()) {
	b.handlerMu.Lock()
	b.onExit = f
	b.handlerMu.Unlock()
}

func (b *pipeBus) messageHandler() func(Envelope, *os.File) {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.onMsg
}

func (b *pipeBus) exitHandler() func() {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.onExit
}

func (b *pipeBus) encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(busFrame{Envelope: env}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *pipeBus) Send(env Envelope, onAck AckFunc) {
	payload, err := b.encode(env)
	if err != nil {
		if onAck != nil {
			onAck(newMarshalErr("encode envelope", err))
		}
		return
	}
	err = b.writeFrame(payload, nil)
	if onAck != nil {
		onAck(err)
	}
}

func (b *pipeBus) SendHandle(env Envelope, handle *os.File, onAck AckFunc) {
	payload, err := b.encode(env)
	if err != nil {
		if onAck != nil {
			onAck(newMarshalErr("encode envelope", err))
		}
		return
	}
	rights := syscall.UnixRights(int(handle.Fd()))
	err = b.writeFrame(payload, rights)
	if onAck != nil {
		onAck(err)
	}
}

func (b *pipeBus) writeFrame(payload []byte, rights []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if rights != nil {
		if _, _, err := b.conn.WriteMsgUnix(lenBuf[:], rights, nil); err != nil {
			return newTransportErr("", "send handle header", err)
		}
	} else {
		if _, err := b.conn.Write(lenBuf[:]); err != nil {
			return newTransportErr("", "send frame header", err)
		}
	}
	if _, err := b.conn.Write(payload); err != nil {
		return newTransportErr("", "send frame body", err)
	}
	return nil
}

func (b *pipeBus) readLoop() {
	defer b.fireExit()

	oob := make([]byte, syscall.CmsgSpace(4))
	for {
		var lenBuf [4]byte
		n, oobn, _, _, err := b.conn.ReadMsgUnix(lenBuf[:], oob)
		if err != nil || n < 4 {
			return
		}

		var handle *os.File
		if oobn > 0 {
			handle = extractHandle(oob[:oobn])
		}

		length := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(b.conn, payload); err != nil {
			return
		}

		var frame busFrame
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&frame); err != nil {
			continue
		}

		if handler := b.messageHandler(); handler != nil {
			handler(frame.Envelope, handle)
		}
	}
}

func extractHandle(oob []byte) *os.File {
	scms, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, scm := range scms {
		fds, err := syscall.ParseUnixRights(&scm)
		if err != nil || len(fds) == 0 {
			continue
		}
		return os.NewFile(uintptr(fds[0]), "transferred-handle")
	}
	return nil
}

func (b *pipeBus) fireExit() {
	if handler := b.exitHandler(); handler != nil {
		handler()
	}
}

func (b *pipeBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
		// net.FileConn dup'd the descriptor; the peer only sees EOF once
		// the original is closed as well.
		_ = b.file.Close()
	})
	return err
}

// handleFromListener extracts the *os.File backing a net.Listener so it
// can travel over the pipe bus's native handle-transfer facility. The
// original listener must not be used by the sender after this call; per
// the concurrency model, ownership passes to the receiver.
func handleFromListener(l net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := l.(filer)
	if !ok {
		return nil, fmt.Errorf("listener type %T cannot be transferred", l)
	}
	return fl.File()
}

// listenerFromHandle reconstructs a net.Listener from a transferred
// handle.
func listenerFromHandle(f *os.File) (net.Listener, error) {
	return net.FileListener(f)
}
