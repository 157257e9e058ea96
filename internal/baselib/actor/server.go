package actor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"sync"
)

// ListeningServer accepts incoming remote-actor connections and, per
// connection, forks a local worker process to host the requested actor,
// then relays envelopes between the TCP socket and the worker's pipe bus
// until either side closes. It holds no application state of its own;
// each connection's worker is an independent forked process exactly like
// one spawned by a local ModeForked actor, so a remote actor and a forked
// one are indistinguishable from the worker's point of view.
type ListeningServer struct {
	sys      *System
	listener net.Listener

	mu      sync.Mutex
	closed  bool
	relayWG sync.WaitGroup

	// workers tracks every live worker this server forked, keyed by actor
	// ID, so a later connection carrying a reference to an
	// already-running actor (an InterHostReference resolved in a third
	// process, see marshal.go/proxyref.go) can attach to the same worker
	// instead of failing to find anywhere to route its envelopes.
	workers map[string]*attachedWorker
}

// attachedWorker is one forked worker process and the set of client buses
// currently relaying to it: the connection that originally created it, plus
// any number of later connections that dialed back in with a reference to
// its actor ID. Every envelope the worker sends is broadcast to all
// attached clients; each client's own correlator harmlessly ignores an
// envelope whose correlation ID it isn't waiting on, so broadcasting is
// safe as long as correlation IDs are unique per sender (see
// hostProxyRef's per-instance endpoint prefix).
type attachedWorker struct {
	bus *pipeBus

	mu      sync.Mutex
	clients []Bus
}

func (w *attachedWorker) attach(c Bus) {
	w.mu.Lock()
	w.clients = append(w.clients, c)
	w.mu.Unlock()
}

func (w *attachedWorker) detach(c Bus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.clients {
		if existing == c {
			w.clients = append(w.clients[:i], w.clients[i+1:]...)
			return
		}
	}
}

func (w *attachedWorker) broadcast(env Envelope, handle *os.File) {
	w.mu.Lock()
	clients := make([]Bus, len(w.clients))
	copy(clients, w.clients)
	w.mu.Unlock()

	for _, c := range clients {
		if handle != nil {
			c.SendHandle(env, handle, nil)
		} else {
			c.Send(env, nil)
		}
	}
}

// newListeningServer binds addr ("host:port") and returns a server ready
// to serve. It does not start accepting connections; call serve for that.
func newListeningServer(sys *System, addr string) (*ListeningServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newTransportErr("", "listen "+addr, err)
	}
	return &ListeningServer{sys: sys, listener: l}, nil
}

// serve runs the accept loop until close is called, at which point
// Accept returns an error and serve returns nil.
func (s *ListeningServer) serve() error {
	InfoS(context.Background(), "listening for remote actor connections",
		"addr", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return newTransportErr("", "accept", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn waits for the first envelope a remote caller sends on a fresh
// connection. A create-actor forks a new worker process and relays every
// subsequent envelope in both directions until either side disconnects. Any
// other envelope type is an attach request: a reference to an
// already-running actor (an InterHostReference resolved in a third
// process) naming that actor's ID, which this server must still be hosting
// a worker for.
func (s *ListeningServer) handleConn(conn net.Conn) {
	clientBus := newSocketBus(conn)

	firstCh := make(chan Envelope, 1)
	clientBus.OnMessage(func(env Envelope, _ *os.File) {
		select {
		case firstCh <- env:
		default:
		}
	})

	var first Envelope
	select {
	case first = <-firstCh:
	case <-s.sys.ctx.Done():
		clientBus.Close()
		return
	}

	if first.Type == EnvCreateActor {
		s.handleCreate(clientBus, first)
		return
	}
	s.handleAttach(clientBus, first)
}

// handleCreate forks a fresh worker process for a create-actor request and
// relays every subsequent envelope between clientBus and the new worker's
// pipeBus until either side disconnects. The worker is registered by actor
// ID so a later attach connection can find it.
func (s *ListeningServer) handleCreate(clientBus Bus, createEnv Envelope) {
	create, ok := createEnv.Body.(CreateActorBody)
	if !ok {
		ErrorS(context.Background(), "malformed create-actor envelope from remote caller",
			newConfigErr("body is not CreateActorBody"))
		clientBus.Close()
		return
	}

	workerBus, cmd, err := s.forkWorker()
	if err != nil {
		ErrorS(context.Background(), "failed to fork worker for remote actor", err,
			"actor_id", create.ID)
		clientBus.Close()
		return
	}

	s.sys.wg.Add(1)
	go func() {
		defer s.sys.wg.Done()
		_ = cmd.Wait()
	}()

	worker := &attachedWorker{bus: workerBus}
	worker.attach(clientBus)
	s.registerWorker(create.ID, worker)

	if hooks := s.sys.getWorkerHooks(); hooks.OnSpawn != nil {
		hooks.OnSpawn(create.ID, cmd.Process.Pid)
	}

	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			s.unregisterWorker(create.ID)
			clientBus.Close()
			workerBus.Close()
			if hooks := s.sys.getWorkerHooks(); hooks.OnExit != nil {
				hooks.OnExit(create.ID)
			}
			close(done)
		})
	}

	// relay client -> worker, including the create-actor envelope that
	// triggered the fork.
	clientBus.OnMessage(func(env Envelope, _ *os.File) {
		workerBus.Send(env, nil)
	})
	workerBus.Send(createEnv, nil)

	// relay worker -> every attached client (the creator plus any later
	// attach connections).
	workerBus.OnMessage(func(env Envelope, handle *os.File) {
		worker.broadcast(env, handle)
	})

	clientBus.OnExit(closeBoth)
	workerBus.OnExit(closeBoth)

	s.relayWG.Add(1)
	go func() {
		defer s.relayWG.Done()
		<-done
	}()
}

// handleAttach routes a connection whose first envelope already names a
// target actor ID to that actor's existing worker, if this server still
// has one running. The envelope that triggered the attach is itself a real
// request and is relayed along with everything that follows.
func (s *ListeningServer) handleAttach(clientBus Bus, first Envelope) {
	worker, ok := s.lookupWorker(first.ActorID)
	if !ok {
		ErrorS(context.Background(), "attach request for unknown actor",
			newConfigErr("no worker hosted for actor "+first.ActorID), "actor_id", first.ActorID)
		clientBus.Close()
		return
	}

	worker.attach(clientBus)
	clientBus.OnMessage(func(env Envelope, _ *os.File) {
		worker.bus.Send(env, nil)
	})
	clientBus.OnExit(func() { worker.detach(clientBus) })

	worker.bus.Send(first, nil)
}

func (s *ListeningServer) registerWorker(actorID string, w *attachedWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers == nil {
		s.workers = make(map[string]*attachedWorker)
	}
	s.workers[actorID] = w
}

func (s *ListeningServer) unregisterWorker(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, actorID)
}

func (s *ListeningServer) lookupWorker(actorID string) (*attachedWorker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[actorID]
	return w, ok
}

func (s *ListeningServer) forkWorker() (*pipeBus, *exec.Cmd, error) {
	parentEnd, childEnd, err := newPipePair()
	if err != nil {
		return nil, nil, newTransportErr("", "create pipe", err)
	}
	defer childEnd.Close()

	binary := s.sys.cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, newTransportErr("", "resolve worker binary", err)
		}
		binary = self
	}

	cmd := exec.Command(binary, os.Args[1:]...)
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Env = append(os.Environ(), workerEnvVar+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		return nil, nil, newTransportErr("", "start worker process", err)
	}

	bus, err := newPipeBus(parentEnd)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}
	return bus, cmd, nil
}

// LocalPublicIP returns the first non-loopback IPv4 address found by
// scanning the host's network interfaces: the address a remote peer
// should be handed when this process binds its listening server to all
// interfaces.
func LocalPublicIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", newConfigErr("scan network interfaces: " + err.Error())
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", newConfigErr("no non-loopback IPv4 interface found")
}

// close stops the accept loop and waits for in-flight relays to drain.
func (s *ListeningServer) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.listener.Close()
	s.relayWG.Wait()
}
