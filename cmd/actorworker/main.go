// Command actorworker is the binary that doubles as both a forked/remote
// actor worker and, when invoked normally, a small CLI for driving a
// standalone actor tree. The same executable plays both roles: a parent
// actor re-execs this binary with MESH_ACTOR_WORKER set in its
// environment and a pipe-bus file descriptor inherited at fd 3, which
// RunWorker below reconstructs before this package's ordinary flags are
// ever parsed.
package main

import (
	"log"
	"os"

	"github.com/meshactor/mesh/cmd/actorworker/commands"
	"github.com/meshactor/mesh/internal/baselib/actor"
)

func main() {
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
