package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hexhold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/test.db
scheduler:
  tick_interval: 5s
queue:
  workers: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval.Std())
	assert.Equal(t, 8, cfg.Queue.Workers)

	// Untouched fields keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.CycleRetention.Std())
	assert.Equal(t, 2*time.Hour, cfg.Ledger.TTL.Std())
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 12, cfg.World.Radius)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hexhold.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  reap_after: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hexhold.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
