package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.Active.Cap)
	assert.Equal(t, 50, cfg.Active.ArchiveBatch)
	assert.Equal(t, 0.7, cfg.Consolidate.Threshold)
	assert.Equal(t, 3, cfg.Recall.MaxPartitions)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TIERMEM_DATA_DIR", "")
	t.Setenv("TIERMEM_LOG_LEVEL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("TIERMEM_DATA_DIR", "")
	t.Setenv("TIERMEM_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
data_dir: /tmp/tm
active:
  cap: 10
consolidate:
  threshold: 0.9
maintenance:
  schedule: "*/10 * * * *"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tm", cfg.DataDir)
	assert.Equal(t, 10, cfg.Active.Cap)
	assert.Equal(t, 50, cfg.Active.ArchiveBatch)
	assert.Equal(t, 0.9, cfg.Consolidate.Threshold)
	assert.Equal(t, "/tmp/tm/active.db", cfg.ActivePath())
	assert.Equal(t, "/tmp/tm/archive", cfg.ArchiveDir())

	// archive_batch 50 exceeds cap 10.
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIERMEM_DATA_DIR", "/var/lib/tiermem")
	t.Setenv("TIERMEM_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tiermem", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("active: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cap", func(c *Config) { c.Active.Cap = 0 }},
		{"zero batch", func(c *Config) { c.Active.ArchiveBatch = 0 }},
		{"threshold above one", func(c *Config) { c.Consolidate.Threshold = 1.5 }},
		{"no partitions", func(c *Config) { c.Recall.MaxPartitions = 0 }},
		{"bad schedule", func(c *Config) { c.Maintenance.Schedule = "every so often" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("TIERMEM_DATA_DIR", "")
	t.Setenv("TIERMEM_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.DataDir = "/srv/tiermem"
	cfg.Recall.MaxPartitions = 5
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
