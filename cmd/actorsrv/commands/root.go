// Package commands implements the actorsrv CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "actorsrv",
	Short: "Run a remote-spawn listening server and cluster resolver",
	Long: `actorsrv hosts a System's listening server (remote create-actor
requests, forking one worker per connection) alongside a gRPC
ClusterResolver service backed by a local sqlite store of cluster
membership, so remote actors created with WithCluster can be resolved
without a static actors.json.`,
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
	rootCmd.AddCommand(clusterCmd)
}
