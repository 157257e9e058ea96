// Package commands implements the actorworker CLI's ordinary (non-worker)
// entry point: the serve command, which starts a listening server.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// logLevel controls the verbosity of the btclog logger wired up in
	// runServe.
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "actorworker",
	Short: "Host a forked/remote actor tree",
	Long: `actorworker hosts a System's listening server and doubles as the
worker binary forked/remote actors re-exec themselves as.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info",
		"Logging level: trace, debug, info, warn, error",
	)

	rootCmd.AddCommand(serveCmd)
}
