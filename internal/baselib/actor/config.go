package actor

import (
	"encoding/json"
	"os"
)

// ActorsConfig is the shape of the actors.json config file referenced by
// WithCluster: a set of named clusters, each a list of "host:port"
// addresses a ModeRemote actor created with that cluster name fans a
// RoundRobinBalancer out over.
type ActorsConfig struct {
	Clusters map[string][]string `json:"clusters"`
}

// DefaultActorsConfigPath is where LoadActorsConfig looks when given no
// explicit path: an actors.json next to the process's working directory.
const DefaultActorsConfigPath = "actors.json"

// LoadActorsConfig reads and parses an actors.json file from path (or
// DefaultActorsConfigPath when path is empty). Callers normally follow it
// with System.SetClusters(cfg.Clusters) before creating any WithCluster
// actor.
func LoadActorsConfig(path string) (ActorsConfig, error) {
	if path == "" {
		path = DefaultActorsConfigPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ActorsConfig{}, newConfigErr("read actors config: " + err.Error())
	}

	var cfg ActorsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ActorsConfig{}, newConfigErr("parse actors config: " + err.Error())
	}
	return cfg, nil
}
