package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/allocator"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "/rrm/v1", cfg.URIPrefix)
	assert.Equal(t, "rrm.db", cfg.Database)
	assert.Equal(t, allocator.BackendLocal, cfg.Backend)
	assert.Equal(t, 10*time.Minute, cfg.KeepAlive)
	assert.Equal(t, 100*time.Second, cfg.SweepInterval)
	assert.Equal(t, "08:00:00", cfg.SSH.DefaultTime)
	assert.Equal(t, 300, cfg.SSH.AllocationTimeout)
	assert.Equal(t, int64(2<<20), cfg.Unicore.MaxLogSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RRM_ADDRESS", ":9000")
	t.Setenv("RRM_BACKEND", "slurm")
	t.Setenv("RRM_KEEP_ALIVE", "30m")
	t.Setenv("RRM_SSH_USER", "vizuser")
	t.Setenv("RRM_SSH_ENTRY_NODES", "bbpviz1.example.org bbpviz2.example.org")
	t.Setenv("RRM_UNICORE_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, allocator.BackendSlurm, cfg.Backend)
	assert.Equal(t, 30*time.Minute, cfg.KeepAlive)
	assert.Equal(t, "vizuser", cfg.SSH.User)
	assert.Equal(t, "secret", cfg.Unicore.Token)

	alloc := cfg.Allocator()
	assert.Equal(t, []string{"bbpviz1.example.org", "bbpviz2.example.org"}, alloc.SSH.EntryNodes)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rrm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: ":7070"
backend: unicore
unicore:
  registry_url: https://hbp.example.org/registry/rest/registries/default_registry
  site: HBP_TEST
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Address)
	assert.Equal(t, allocator.BackendUnicore, cfg.Backend)
	assert.Equal(t, "HBP_TEST", cfg.Unicore.Site)

	alloc := cfg.Allocator()
	assert.Equal(t, "https://hbp.example.org/registry/rest/registries/default_registry", alloc.Unicore.RegistryURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
