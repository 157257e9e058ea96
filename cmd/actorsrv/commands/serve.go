package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/meshactor/mesh/cmd/actorsrv/clusterstore"
	"github.com/meshactor/mesh/internal/baselib/actor"
	"github.com/meshactor/mesh/internal/baselib/actor/clusterpb"
)

// recoverOrphans checks every worker PID this store remembers from a
// previous actorsrv run against the live process table, warning about (and
// forgetting) any whose process is gone, since nothing will ever send that
// actor's actor-destroyed-ack now.
func recoverOrphans(ctx context.Context, store *clusterstore.Store) error {
	orphans, err := store.Orphans(ctx)
	if err != nil {
		return fmt.Errorf("query worker orphans: %w", err)
	}
	for _, o := range orphans {
		if proc, err := os.FindProcess(o.PID); err != nil || proc.Signal(syscall.Signal(0)) != nil {
			actor.WarnS(ctx, "dropping bookkeeping for worker from a previous run",
				nil, "actor_id", o.ActorID, "pid", o.PID, "started_at", o.StartedAt)
			_ = store.ForgetWorker(ctx, o.ActorID)
		}
	}
	return nil
}

var (
	listenAddr       string
	resolverAddr     string
	actorsConfig     string
	clusterStorePath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote-spawn listening server and cluster resolver",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(
		&listenAddr, "addr", ":6161",
		"Address to listen on for remote actor connections",
	)
	serveCmd.Flags().StringVar(
		&resolverAddr, "resolver-addr", ":6162",
		"Address to serve the gRPC ClusterResolver service on",
	)
	serveCmd.Flags().StringVar(
		&actorsConfig, "actors-config", "",
		"Path to an actors.json file declaring static named clusters",
	)
	serveCmd.Flags().StringVar(
		&clusterStorePath, "cluster-store", "actorsrv-clusters.db",
		"Path to the sqlite cluster-membership store",
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	handler := btclog.NewDefaultHandler(os.Stderr)
	handler.SetLevel(levelFromString(logLevel))
	actor.UseLogger(btclog.NewSLogger(handler))

	store, err := clusterstore.Open(clusterStorePath)
	if err != nil {
		return fmt.Errorf("open cluster store: %w", err)
	}

	if err := recoverOrphans(context.Background(), store); err != nil {
		return fmt.Errorf("recover worker orphans: %w", err)
	}

	sys := actor.DefaultSystem()
	sys.RegisterResource("cluster-store", store)
	sys.SetWorkerHooks(actor.WorkerHooks{
		OnSpawn: func(actorID string, pid int) {
			_ = store.RecordWorker(context.Background(), actorID, pid)
		},
		OnExit: func(actorID string) {
			_ = store.ForgetWorker(context.Background(), actorID)
		},
	})

	if actorsConfig != "" {
		cfg, err := actor.LoadActorsConfig(actorsConfig)
		if err != nil {
			return fmt.Errorf("load actors config: %w", err)
		}
		sys.SetClusters(cfg.Clusters)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	grpcSrv := grpc.NewServer()
	clusterpb.RegisterResolverServer(grpcSrv, &storeResolver{store: store})

	resolverLis, err := net.Listen("tcp", resolverAddr)
	if err != nil {
		return fmt.Errorf("listen on resolver addr: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(resolverLis) }()
	go func() { errCh <- sys.Listen(listenAddr) }()

	select {
	case err := <-errCh:
		cancel()
		grpcSrv.Stop()
		_ = sys.Destroy(context.Background())
		return err
	case <-ctx.Done():
		grpcSrv.GracefulStop()
		return sys.Destroy(context.Background())
	}
}

func levelFromString(s string) btclogv1.Level {
	switch s {
	case "trace":
		return btclog.LevelTrace
	case "debug":
		return btclog.LevelDebug
	case "warn":
		return btclog.LevelWarn
	case "error":
		return btclog.LevelError
	default:
		return btclog.LevelInfo
	}
}
