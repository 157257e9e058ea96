package actor

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
)

// socketBus implements Bus over a plain TCP connection for remote-mode
// actors. Envelopes are JSON-encoded and framed with a 4-byte big-endian
// length prefix; TCP carries no ancillary data channel, so SendHandle
// always fails here, unlike pipeBus.
type socketBus struct {
	conn net.Conn

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMsg     func(Envelope, *os.File)
	onExit    func()

	closeOnce sync.Once
}

// newSocketBus wraps an already-established TCP connection (either side:
// the one that dialed, or the one accept() handed back) as a Bus and
// starts its read loop.
func newSocketBus(conn net.Conn) *socketBus {
	b := &socketBus{conn: conn}
	go b.readLoop()
	return b
}

func (b *socketBus) OnMessage(f func(Envelope, *os.File)) {
	b.handlerMu.Lock()
	b.onMsg = f
	b.handlerMu.Unlock()
}

func (b *socketBus) OnExit(f func()) {
	b.handlerMu.Lock()
	b.onExit = f
	b.handlerMu.Unlock()
}

func (b *socketBus) messageHandler() func(Envelope, *os.File) {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.onMsg
}

func (b *socketBus) exitHandler() func() {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.onExit
}

func (b *socketBus) Send(env Envelope, onAck AckFunc) {
	payload, err := json.Marshal(busFrame{Envelope: env})
	if err != nil {
		if onAck != nil {
			onAck(newMarshalErr("encode envelope", err))
		}
		return
	}
	err = b.writeFrame(payload)
	if onAck != nil {
		onAck(err)
	}
}

// SendHandle always fails: a TCP socket has no facility to carry an OS
// file descriptor alongside application data.
func (b *socketBus) SendHandle(env Envelope, handle *os.File, onAck AckFunc) {
	if onAck != nil {
		onAck(newTransportErr("", "socket bus cannot transfer handles", nil))
	}
}

func (b *socketBus) writeFrame(payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := b.conn.Write(lenBuf[:]); err != nil {
		return newTransportErr("", "send frame header", err)
	}
	if _, err := b.conn.Write(payload); err != nil {
		return newTransportErr("", "send frame body", err)
	}
	return nil
}

func (b *socketBus) readLoop() {
	defer func() {
		if handler := b.exitHandler(); handler != nil {
			handler()
		}
	}()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(b.conn, lenBuf[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(b.conn, payload); err != nil {
			return
		}

		var frame busFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		env, err := frame.Envelope.normalizeBody()
		if err != nil {
			continue
		}
		if handler := b.messageHandler(); handler != nil {
			handler(env, nil)
		}
	}
}

func (b *socketBus) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.conn.Close() })
	return err
}
