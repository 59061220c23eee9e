package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/devblas/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, BackendHost, config.Device.Backend)
		assert.Equal(t, 2, config.Device.Host.Devices)
		assert.Equal(t, int64(64<<20), config.Device.Host.MemoryPerDevice)
		assert.True(t, config.Device.Host.ExplicitDevice)
		assert.Equal(t, 4, config.Device.Host.Workers)
		assert.Equal(t, 1, config.Queue.Device)
		assert.Equal(t, 64, config.Queue.MaxBatch)
		assert.Equal(t, "reject", config.Queue.Heterogeneous)
		assert.Equal(t, "127.0.0.1:9100", config.Metrics.ListenAddress)
		assert.Equal(t, 2*time.Second, config.Metrics.ReadHeaderTimeout)
		assert.Equal(t, 30*time.Second, config.Selftest.Interval)
		assert.Equal(t, 8, config.Selftest.Batch)
		assert.Equal(t, 4, config.Selftest.Size)
		assert.Equal(t, 64, config.Selftest.MaxSize)
	})

	t.Run("defaults fill unset fields", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("device:\n  backend: none\n"), 0600))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, BackendNone, config.Device.Backend)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, 1024, config.Queue.MaxBatch)
		assert.Equal(t, "fallback", config.Queue.Heterogeneous)
	})

	t.Run("template is valid", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, fixtures.ConfigTemplate, 0600))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, Default(), config)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := LoadConfig("../../fixtures/tests/bad_backend/config.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opencl")
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative host devices", func(c *Config) { c.Device.Host.Devices = -1 }},
		{"negative queue device", func(c *Config) { c.Queue.Device = -1 }},
		{"zero max batch", func(c *Config) { c.Queue.MaxBatch = 0 }},
		{"unknown policy", func(c *Config) { c.Queue.Heterogeneous = "ignore" }},
		{"selftest batch above capacity", func(c *Config) { c.Selftest.Batch = c.Queue.MaxBatch + 1 }},
		{"zero selftest size", func(c *Config) { c.Selftest.Size = 0 }},
		{"zero selftest max size", func(c *Config) { c.Selftest.MaxSize = 0 }},
		{"selftest size above max size", func(c *Config) { c.Selftest.Size = c.Selftest.MaxSize + 1 }},
	}

	assert.NoError(t, Default().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
