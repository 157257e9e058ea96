package actor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/meshactor/mesh/internal/baselib/actor/clusterpb"
)

// SystemConfig configures a System at construction time.
type SystemConfig struct {
	// Definitions is the registry used to resolve a definition name to a
	// DefinitionFactory, both locally and (via the child binary's own
	// copy of the same registrations) in forked/remote workers. Defaults
	// to the process-wide DefaultDefinitionRegistry.
	Definitions *DefinitionRegistry

	// Marshallers is the registry consulted when a reference or custom
	// payload needs to cross a process or host boundary. Defaults to an
	// empty registry plus the built-in reference marshaller.
	Marshallers *MarshallerRegistry

	// DefaultPingTimeout bounds how long a remote actor may go without
	// answering a parent-ping before being treated as crashed. Applied
	// to forked/remote actors that don't specify their own.
	DefaultPingTimeout time.Duration

	// WorkerBinary is the path to the executable forked/remote workers
	// re-exec as. Defaults to the current process's own executable
	// (os.Executable), the usual arrangement for a program that can run
	// as either the root system or one of its own workers.
	WorkerBinary string

	// ClusterResolver, if set, is consulted by WithCluster when a cluster
	// name isn't found in the static map installed by SetClusters. This
	// is how a System defers to an external rendezvous process (see
	// cmd/actorsrv's --cluster-store) instead of requiring every cluster
	// member list to be known up front from actors.json.
	ClusterResolver *clusterpb.ResolverClient
}

// DefaultSystemConfig returns sane defaults for NewSystem.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Definitions:        DefaultDefinitionRegistry(),
		Marshallers:        NewMarshallerRegistry(),
		DefaultPingTimeout: 30 * time.Second,
	}
}

// System is the root of one actor tree: it owns the tree's root Actor,
// the definition/marshaller registries workers consult to resolve names
// across a process boundary, and the WaitGroup every forked/remote
// proxy's background goroutines register with for deterministic shutdown.
type System struct {
	cfg SystemConfig

	root *Actor

	mu        sync.RWMutex
	byID      map[string]*Actor
	resources map[string]io.Closer

	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	server *ListeningServer

	// upstreamBus is set only inside a forked/remote worker process: the
	// single bus connecting this worker back to its parent, consulted
	// when an inbound reference's actor ID isn't one of this process's
	// own actors. upstreamCorr is the correlator every busProxyRef over
	// that bus shares, so the worker's serve loop has one place to
	// deliver inbound actor-response envelopes.
	upstreamBus  Bus
	upstreamCorr *correlator

	// clusters maps a cluster name (as named by WithCluster) to the list
	// of remote host:port addresses it fans out over, loaded via
	// LoadActorsConfig/SetClusters.
	clusters map[string][]string

	// workerHooks, if installed via SetWorkerHooks, is notified as this
	// system's ListeningServer forks and loses worker processes.
	workerHooks WorkerHooks
}

// WorkerHooks lets an external supervisor observe the lifecycle of worker
// processes this system's ListeningServer forks, e.g. so cmd/actorsrv can
// keep its sqlite cluster-store's worker_pids table in sync for orphan
// recovery across restarts. Either field may be left nil.
type WorkerHooks struct {
	// OnSpawn is called once a worker process has been started and its
	// create-actor envelope acknowledged.
	OnSpawn func(actorID string, pid int)

	// OnExit is called once a worker's connection (client or process)
	// has been torn down, whatever the reason.
	OnExit func(actorID string)
}

// SetWorkerHooks installs (or replaces) the callbacks notified as this
// system's ListeningServer forks or loses worker processes.
func (s *System) SetWorkerHooks(h WorkerHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerHooks = h
}

func (s *System) getWorkerHooks() WorkerHooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerHooks
}

// NewSystem creates a new actor system with its own root actor, ready
// immediately (the root actor has no handlers of its own; it exists to
// anchor the tree and to be the natural parent for top-level actors).
func NewSystem(cfg SystemConfig) *System {
	if cfg.Definitions == nil {
		cfg.Definitions = DefaultDefinitionRegistry()
	}
	if cfg.Marshallers == nil {
		cfg.Marshallers = NewMarshallerRegistry()
	}
	if cfg.DefaultPingTimeout <= 0 {
		cfg.DefaultPingTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	sys := &System{
		cfg:       cfg,
		byID:      make(map[string]*Actor),
		resources: make(map[string]io.Closer),
		ctx:       ctx,
		cancel:    cancel,
	}

	root := newActor(sys, nil, NewID(), "root", ModeInMemory, Definition{}, nil)
	root.setState(StateReady)
	sys.root = root
	sys.byID[root.id] = root

	sys.cfg.Marshallers.bindSystem(sys)

	return sys
}

var (
	defaultSystem     *System
	defaultSystemOnce sync.Once
)

// DefaultSystem returns a process-wide singleton System built with
// DefaultSystemConfig, created lazily on first use. Safe for concurrent
// callers: sync.Once guarantees exactly one construction regardless of how
// many goroutines race into this function first.
func DefaultSystem() *System {
	defaultSystemOnce.Do(func() {
		defaultSystem = NewSystem(DefaultSystemConfig())
	})
	return defaultSystem
}

// Root returns a Ref to the system's root actor. Top-level actors are
// ordinarily created as its children via CreateActor.
func (s *System) Root() Ref { return s.root.Ref() }

// createConfig accumulates the options passed to CreateActor/CreateChild.
type createConfig struct {
	mode             Mode
	name             string
	config           map[string]any
	customParameters map[string]any
	pingTimeout      time.Duration
	onCrash          string
	host             []string
	clusterName      string
	clusterSize      int
	resources        []string
}

// CreateOption configures a new actor at creation time.
type CreateOption func(*createConfig)

// WithMode selects the actor's execution mode. Defaults to ModeInMemory.
func WithMode(m Mode) CreateOption { return func(c *createConfig) { c.mode = m } }

// WithName sets the actor's name, used as its key in a parent's merged
// metrics and in tree snapshots.
func WithName(name string) CreateOption { return func(c *createConfig) { c.name = name } }

// WithConfig attaches free-form configuration forwarded to the actor's
// Initialize hook via a create-actor envelope for forked/remote actors,
// or directly for in-memory ones (read back out of CustomParameters under
// the "config" key).
func WithConfig(cfg map[string]any) CreateOption {
	return func(c *createConfig) { c.config = cfg }
}

// WithCustomParameters sets the parameters passed to the actor's
// DefinitionFactory when it is resolved.
func WithCustomParameters(params map[string]any) CreateOption {
	return func(c *createConfig) { c.customParameters = params }
}

// WithPingTimeout overrides the system default heartbeat timeout used by
// a remote actor's onCrash:'respawn' policy (forked actors do not
// heartbeat).
func WithPingTimeout(d time.Duration) CreateOption {
	return func(c *createConfig) { c.pingTimeout = d }
}

// WithOnCrash sets the crash policy: "respawn" enables heartbeat-driven
// respawn for remote actors; any other value (the default, "") is
// treated as no automatic recovery. Forked actors are never respawned.
func WithOnCrash(policy string) CreateOption {
	return func(c *createConfig) { c.onCrash = policy }
}

// WithHosts targets a remote actor at one or more "host:port" addresses.
// More than one host builds a RoundRobinBalancer fanning out over a
// same-mode child for each address.
func WithHosts(hosts ...string) CreateOption {
	return func(c *createConfig) { c.host = append(c.host, hosts...) }
}

// WithCluster names a cluster declared in the system's actors
// configuration (see config.go) instead of listing hosts inline.
func WithCluster(name string) CreateOption {
	return func(c *createConfig) { c.clusterName = name }
}

// WithClusterSize sets how many local workers a forked actor's cluster
// fans out over (ignored for a single forked actor).
func WithClusterSize(n int) CreateOption {
	return func(c *createConfig) { c.clusterSize = n }
}

// WithResources lists resource names for the new actor. A forked actor
// carries them in its create-actor body; nothing resolves them against
// the resources registered with RegisterResource or exposes them through
// ActorContext.
func WithResources(names ...string) CreateOption {
	return func(c *createConfig) { c.resources = append(c.resources, names...) }
}

// CreateActor creates a new top-level actor, child of the system's root.
func (s *System) CreateActor(ctx context.Context, defName string, opts ...CreateOption) (Ref, error) {
	return s.createActor(ctx, defName, s.root, opts...)
}

// createActor resolves defName through the system's definition registry,
// builds an Actor in the requested mode, runs its Initialize hook, and
// registers it as parent's child.
func (s *System) createActor(ctx context.Context, defName string, parent *Actor, opts ...CreateOption) (Ref, error) {
	cfg := createConfig{mode: ModeInMemory, pingTimeout: s.cfg.DefaultPingTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	def, err := s.cfg.Definitions.Resolve(defName, cfg.customParameters)
	if err != nil {
		return nil, err
	}

	customParameters := cfg.customParameters
	if cfg.config != nil {
		if customParameters == nil {
			customParameters = map[string]any{}
		}
		customParameters["config"] = cfg.config
	}

	id := NewID()
	a := newActor(s, parent, id, cfg.name, cfg.mode, def, customParameters)

	switch cfg.mode {
	case ModeInMemory:
		// impl stays nil: Actor.dispatch* falls through to
		// localSend/localAsk directly against a.def.

	case ModeForked:
		impl, err := newForkedParent(s, a, defName, cfg)
		if err != nil {
			return nil, err
		}
		a.impl = impl

	case ModeRemote:
		impl, err := newRemoteParent(s, a, defName, cfg)
		if err != nil {
			return nil, err
		}
		a.impl = impl

	default:
		return nil, newConfigErr(fmt.Sprintf("unknown mode %q", cfg.mode))
	}

	if err := a.initialize(ctx); err != nil {
		return nil, err
	}

	parent.addChild(a)
	s.mu.Lock()
	s.byID[a.id] = a
	s.mu.Unlock()

	InfoS(ctx, "actor created", "actor_id", a.id, "mode", string(a.mode), "definition", defName)

	return a.Ref(), nil
}

// RegisterResource registers a named resource (a DB handle, an HTTP
// client, anything satisfying io.Closer) with the system. System.Destroy
// closes every registered resource after the tree is torn down.
// Registered resources are not handed to actors: they do not appear in
// ActorContext.CustomParameters().
func (s *System) RegisterResource(name string, r io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[name] = r
}

// Listen starts a ListeningServer on addr ("host:port"), forking a fresh
// worker process for each incoming create-actor request. See server.go.
func (s *System) Listen(addr string) error {
	srv, err := newListeningServer(s, addr)
	if err != nil {
		return err
	}
	s.server = srv
	return srv.serve()
}

// Destroy tears down the entire tree (root's children, in reverse
// creation order, then the root itself), closes every registered
// resource, and waits for all forked/remote background goroutines this
// system's proxies spawned to exit or ctx to expire, whichever comes
// first.
func (s *System) Destroy(ctx context.Context) error {
	s.cancel()

	if s.server != nil {
		s.server.close()
	}

	err := s.root.Destroy(ctx)

	s.mu.Lock()
	resources := make([]io.Closer, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r)
	}
	s.resources = nil
	s.mu.Unlock()

	for _, r := range resources {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		ErrorS(ctx, "system destroy incomplete, background workers may leak", ctx.Err())
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
}

// actor looks up a locally-tracked actor by ID. Used to find the local
// Actor an inbound envelope targets by ID: in a worker's serve loop when
// the target differs from the worker's root, and on the host side when a
// worker messages a host actor through a reference it was passed.
func (s *System) actor(id string) (*Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// SetClusters installs the cluster-name -> hosts mapping consulted by
// WithCluster, normally populated from an ActorsConfig loaded via
// LoadActorsConfig (see config.go).
func (s *System) SetClusters(clusters map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters = clusters
}

// SetClusterResolver installs (or replaces) the gRPC ClusterResolver
// client consulted by resolveCluster when a name isn't in the static
// clusters map, e.g. one dialed against the resolver service that
// cmd/actorsrv serves from its sqlite cluster-membership store.
func (s *System) SetClusterResolver(c *clusterpb.ResolverClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ClusterResolver = c
}

// clusterSnapshot copies the current cluster map for embedding in a
// create-actor envelope, so a worker's own System can resolve the same
// cluster names its parent could.
func (s *System) clusterSnapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clusters) == 0 {
		return nil
	}
	out := make(map[string][]string, len(s.clusters))
	for name, hosts := range s.clusters {
		out[name] = append([]string(nil), hosts...)
	}
	return out
}

// resolveCluster looks up a cluster name registered via SetClusters,
// returning the hosts a ModeRemote actor created with WithCluster(name)
// should fan out over.
func (s *System) resolveCluster(name string) ([]string, error) {
	s.mu.RLock()
	hosts, ok := s.clusters[name]
	resolver := s.cfg.ClusterResolver
	s.mu.RUnlock()
	if ok {
		return hosts, nil
	}
	if resolver == nil {
		return nil, newConfigErr(fmt.Sprintf("unknown cluster %q", name))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resolved, err := resolver.Resolve(ctx, name)
	if err != nil {
		return nil, newConfigErr(fmt.Sprintf("resolve cluster %q via resolver: %v", name, err))
	}
	if len(resolved) == 0 {
		return nil, newConfigErr(fmt.Sprintf("unknown cluster %q", name))
	}
	return resolved, nil
}
