package actor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadActorsConfigClusters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "actors.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"clusters": {
			"workers": ["10.0.0.1:6161", "10.0.0.2"],
			"cache":   ["10.0.1.1:7000"]
		}
	}`), 0o600))

	cfg, err := LoadActorsConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:6161", "10.0.0.2"}, cfg.Clusters["workers"])
	require.Equal(t, []string{"10.0.1.1:7000"}, cfg.Clusters["cache"])
}

func TestLoadActorsConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadActorsConfig(filepath.Join(t.TempDir(), "nope.json"))
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindConfig, actorErr.Kind)
}

func TestLoadActorsConfigRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "actors.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := LoadActorsConfig(path)
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindConfig, actorErr.Kind)
}

func TestResolveClusterStaticMap(t *testing.T) {
	t.Parallel()
	sys := newTestSystem(t)

	sys.SetClusters(map[string][]string{"workers": {"10.0.0.1:6161"}})

	hosts, err := sys.resolveCluster("workers")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:6161"}, hosts)

	_, err = sys.resolveCluster("missing")
	var actorErr *ActorError
	require.ErrorAs(t, err, &actorErr)
	require.Equal(t, ErrKindConfig, actorErr.Kind)
}
