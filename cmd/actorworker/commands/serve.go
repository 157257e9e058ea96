package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/spf13/cobra"

	"github.com/meshactor/mesh/internal/baselib/actor"
)

var (
	listenAddr   string
	actorsConfig string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a listening server that forks a worker per incoming remote actor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(
		&listenAddr, "addr", ":6161",
		"Address to listen on for remote actor connections",
	)
	serveCmd.Flags().StringVar(
		&actorsConfig, "actors-config", "",
		"Path to an actors.json file declaring named clusters",
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	handler := btclog.NewDefaultHandler(os.Stderr)
	handler.SetLevel(levelFromString(logLevel))
	actor.UseLogger(btclog.NewSLogger(handler))

	sys := actor.DefaultSystem()

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

	errCh := make(chan error, 1)
	go func() { errCh <- sys.Listen(listenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
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
