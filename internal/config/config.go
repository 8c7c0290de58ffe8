package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/cogmem/internal/memerr"
)

// Config holds all cogmem configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Server    ServerConfig    `mapstructure:"server"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Log       LogConfig       `mapstructure:"log"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"` // empty = ~/.cogmem
}

// VectorConfig is the tiering and persistence surface of the vector store.
type VectorConfig struct {
	Dimensions      int           `mapstructure:"dimensions"`
	HotIdle         time.Duration `mapstructure:"hot_idle"`         // idle time before hot → warm
	WarmIdle        time.Duration `mapstructure:"warm_idle"`        // idle time before warm → cold
	PromoteAccesses int           `mapstructure:"promote_accesses"` // accesses per sweep window to move up a tier
	HotCapacity     int           `mapstructure:"hot_capacity"`
	WarmCapacity    int           `mapstructure:"warm_capacity"`
	Eviction        string        `mapstructure:"eviction"` // "lru" or "none"
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

type GraphConfig struct {
	MaxDepth     int           `mapstructure:"max_depth"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type RankerConfig struct {
	VectorWeight    float64  `mapstructure:"vector_weight"`
	ConnectivityCap float64  `mapstructure:"connectivity_cap"`
	LinkTypes       []string `mapstructure:"link_types"` // empty = every edge type counts
	MinScore        float64  `mapstructure:"min_score"`
}

type LearningConfig struct {
	Threshold        int      `mapstructure:"threshold"` // closed trajectories needed for a non-forced tick
	Routes           []string `mapstructure:"routes"`
	ClusterThreshold float64  `mapstructure:"cluster_threshold"`
	LearningRate     float64  `mapstructure:"learning_rate"`
	EMABeta          float64  `mapstructure:"ema_beta"`
	MaxMicroStep     float64  `mapstructure:"max_micro_step"`
	MaxMicroNorm     float64  `mapstructure:"max_micro_norm"`
	ConsolidateEvery int      `mapstructure:"consolidate_every"`
	EWCLambda        float64  `mapstructure:"ewc_lambda"`
	ImportanceDecay  float64  `mapstructure:"importance_decay"`
	Archive          bool     `mapstructure:"archive"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"` // "hash" or "ollama"
	URL      string `mapstructure:"url"`
	Model    string `mapstructure:"model"`
}

type LogConfig struct {
	Debug  bool `mapstructure:"debug"`
	JSON   bool `mapstructure:"json"`
	Pretty bool `mapstructure:"pretty"`
}

// Default returns a Config with sensible defaults. This is the single source
// of truth for default values; Load registers every field from here.
func Default() Config {
	return Config{
		Vector: VectorConfig{
			Dimensions:      384,
			HotIdle:         time.Hour,
			WarmIdle:        24 * time.Hour,
			PromoteAccesses: 3,
			HotCapacity:     10000,
			WarmCapacity:    100000,
			Eviction:        "lru",
			SweepInterval:   5 * time.Minute,
			BatchSize:       256,
			LockTimeout:     2 * time.Second,
		},
		Graph: GraphConfig{
			MaxDepth:     3,
			QueryTimeout: 2 * time.Second,
		},
		Ranker: RankerConfig{
			VectorWeight:    0.7,
			ConnectivityCap: 10,
		},
		Learning: LearningConfig{
			Threshold:        5,
			Routes:           []string{"vector", "graph", "hybrid"},
			ClusterThreshold: 0.8,
			LearningRate:     0.1,
			EMABeta:          0.9,
			MaxMicroStep:     0.05,
			MaxMicroNorm:     0.25,
			ConsolidateEvery: 4,
			EWCLambda:        10,
			ImportanceDecay:  0.9,
			Archive:          true,
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedding: EmbeddingConfig{
			Provider: "hash",
			URL:      "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// DataDir returns the storage directory, resolving the default
// ~/.cogmem when unset.
func (c *Config) DataDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".cogmem"), nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	v := c.Vector
	switch {
	case v.Dimensions <= 0:
		return memerr.Validation("vector.dimensions must be positive, got %d", v.Dimensions)
	case v.HotIdle <= 0 || v.WarmIdle <= 0:
		return memerr.Validation("vector idle thresholds must be positive")
	case v.WarmIdle < v.HotIdle:
		return memerr.Validation("vector.warm_idle (%s) must not be shorter than vector.hot_idle (%s)", v.WarmIdle, v.HotIdle)
	case v.PromoteAccesses <= 0:
		return memerr.Validation("vector.promote_accesses must be positive")
	case v.HotCapacity <= 0 || v.WarmCapacity <= 0:
		return memerr.Validation("vector tier capacities must be positive")
	case v.Eviction != "lru" && v.Eviction != "none":
		return memerr.Validation("vector.eviction must be \"lru\" or \"none\", got %q", v.Eviction)
	case v.BatchSize <= 0:
		return memerr.Validation("vector.batch_size must be positive")
	}

	if c.Graph.MaxDepth <= 0 {
		return memerr.Validation("graph.max_depth must be positive")
	}

	r := c.Ranker
	if r.VectorWeight < 0 || r.VectorWeight > 1 {
		return memerr.Validation("ranker.vector_weight must be in [0,1], got %g", r.VectorWeight)
	}
	if r.ConnectivityCap <= 0 {
		return memerr.Validation("ranker.connectivity_cap must be positive")
	}

	l := c.Learning
	switch {
	case l.Threshold < 1:
		return memerr.Validation("learning.threshold must be at least 1")
	case len(l.Routes) == 0:
		return memerr.Validation("learning.routes must not be empty")
	case l.EMABeta < 0 || l.EMABeta >= 1:
		return memerr.Validation("learning.ema_beta must be in [0,1)")
	case l.MaxMicroStep <= 0 || l.MaxMicroNorm <= 0:
		return memerr.Validation("learning micro bounds must be positive")
	case l.ConsolidateEvery < 1:
		return memerr.Validation("learning.consolidate_every must be at least 1")
	case l.EWCLambda < 0:
		return memerr.Validation("learning.ewc_lambda must not be negative")
	case l.ClusterThreshold <= 0 || l.ClusterThreshold > 1:
		return memerr.Validation("learning.cluster_threshold must be in (0,1], got %g", l.ClusterThreshold)
	}

	if c.Embedding.Provider != "hash" && c.Embedding.Provider != "ollama" {
		return memerr.Validation("embedding.provider must be \"hash\" or \"ollama\", got %q", c.Embedding.Provider)
	}
	return nil
}
