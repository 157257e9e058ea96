// Command actorsrv is the external glue around the actor package's
// listening server: it parses flags for the remote-spawn address and
// the cluster-resolver gRPC address, opens the sqlite cluster-membership
// store, constructs an actor.System, and blocks serving both until a
// termination signal arrives. actorsrv only wires the core's public API
// together.
package main

import (
	"log"
	"os"

	"github.com/meshactor/mesh/cmd/actorsrv/commands"
	"github.com/meshactor/mesh/internal/baselib/actor"
)

func main() {
	// The listening server re-execs this same binary for each worker it
	// forks, so the worker role must be checked before any flag parsing.
	if actor.IsWorkerProcess() {
		if err := actor.RunWorker(actor.DefaultDefinitionRegistry()); err != nil {
			log.Fatalf("actor worker exited with error: %v", err)
		}
		return
	}

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
