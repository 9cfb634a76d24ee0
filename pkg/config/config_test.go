package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "telemetry:events", cfg.Streams.Ingress)
	assert.Equal(t, int64(10000), cfg.Streams.IngressMaxLen)
	assert.Equal(t, 100, cfg.FastPath.BatchMax)
	assert.Equal(t, 100*time.Millisecond, cfg.FastPath.BatchWindow)
	assert.Equal(t, 4096, cfg.FastPath.InlinePayloadMax)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 5, cfg.Workers.MaxRetries)
	assert.NotEmpty(t, cfg.FastPath.Consumer, "consumer name derives from hostname and pid")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Streams.Ingress, cfg.Streams.Ingress)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().DataDir, cfg.DataDir)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/blueplane-test
redis:
  addr: 127.0.0.1:6390
fast_path:
  batch_max: 25
  batch_window: 50ms
workers:
  count: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/blueplane-test", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:6390", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.FastPath.BatchMax)
	assert.Equal(t, 50*time.Millisecond, cfg.FastPath.BatchWindow)
	assert.Equal(t, 2, cfg.Workers.Count)
	// Untouched knobs keep their defaults.
	assert.Equal(t, "telemetry:cdc", cfg.Streams.CDC)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch max", func(c *Config) { c.FastPath.BatchMax = 0 }},
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }},
		{"empty stream name", func(c *Config) { c.Streams.DLQ = "" }},
		{"duplicate stream names", func(c *Config) { c.Streams.CDC = c.Streams.Ingress }},
		{"negative inline threshold", func(c *Config) { c.FastPath.InlinePayloadMax = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
