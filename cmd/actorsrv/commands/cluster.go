package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshactor/mesh/cmd/actorsrv/clusterstore"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the cluster-membership store consulted by the resolver",
	Long: `Manage the sqlite store of cluster name -> host membership that
the ClusterResolver service (started by "actorsrv serve") answers
lookups from. Changes here take effect immediately for a running
server sharing the same --cluster-store file.`,
}

var clusterAddCmd = &cobra.Command{
	Use:   "add <cluster> <host:port>",
	Short: "Add a host to a cluster",
	Args:  cobra.ExactArgs(2),
	RunE:  runClusterAdd,
}

var clusterRemoveCmd = &cobra.Command{
	Use:   "remove <cluster> <host:port>",
	Short: "Remove a host from a cluster",
	Args:  cobra.ExactArgs(2),
	RunE:  runClusterRemove,
}

var clusterListCmd = &cobra.Command{
	Use:   "list <cluster>",
	Short: "List the current members of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterList,
}

func init() {
	clusterCmd.PersistentFlags().StringVar(
		&clusterStorePath, "cluster-store", "actorsrv-clusters.db",
		"Path to the sqlite cluster-membership store",
	)
	clusterCmd.AddCommand(clusterAddCmd, clusterRemoveCmd, clusterListCmd)
}

func runClusterAdd(cmd *cobra.Command, args []string) error {
	store, err := clusterstore.Open(clusterStorePath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.AddMember(context.Background(), args[0], args[1])
}

func runClusterRemove(cmd *cobra.Command, args []string) error {
	store, err := clusterstore.Open(clusterStorePath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RemoveMember(context.Background(), args[0], args[1])
}

func runClusterList(cmd *cobra.Command, args []string) error {
	store, err := clusterstore.Open(clusterStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	hosts, err := store.Members(context.Background(), args[0])
	if err != nil {
		return err
	}
	for _, h := range hosts {
		fmt.Println(h)
	}
	return nil
}
