package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/cogmem/internal/memerr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
	assert.Equal(t, "lru", cfg.Vector.Eviction)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[vector]
dimensions = 8
hot_idle = "30m"
eviction = "none"

[learning]
threshold = 2
routes = ["vector", "graph"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Vector.Dimensions)
	assert.Equal(t, 30*time.Minute, cfg.Vector.HotIdle)
	assert.Equal(t, 24*time.Hour, cfg.Vector.WarmIdle)
	assert.Equal(t, "none", cfg.Vector.Eviction)
	assert.Equal(t, 2, cfg.Learning.Threshold)
	assert.Equal(t, []string{"vector", "graph"}, cfg.Learning.Routes)
	assert.Equal(t, 0.7, cfg.Ranker.VectorWeight)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vector]\ndimensions = 8\n"), 0o644))
	t.Setenv("COGMEM_VECTOR_DIMENSIONS", "16")
	t.Setenv("COGMEM_LOG_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Vector.Dimensions)
	assert.True(t, cfg.Log.Debug)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	mutations := map[string]func(*Config){
		"dimensions":    func(c *Config) { c.Vector.Dimensions = 0 },
		"idle order":    func(c *Config) { c.Vector.WarmIdle = time.Minute },
		"eviction":      func(c *Config) { c.Vector.Eviction = "fifo" },
		"vector weight": func(c *Config) { c.Ranker.VectorWeight = 1.5 },
		"routes":        func(c *Config) { c.Learning.Routes = nil },
		"ema beta":      func(c *Config) { c.Learning.EMABeta = 1 },
		"provider":      func(c *Config) { c.Embedding.Provider = "magic" },
		"cluster zero":  func(c *Config) { c.Learning.ClusterThreshold = 0 },
		"cluster high":  func(c *Config) { c.Learning.ClusterThreshold = 1.1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), memerr.ErrValidation)
		})
	}
}

func TestDataDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = "/tmp/cogmem-test"
	dir, err := cfg.DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cogmem-test", dir)
}
