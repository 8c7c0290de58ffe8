package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load builds a Config from defaults, an optional config file and COGMEM_*
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (COGMEM_VECTOR_DIMENSIONS, COGMEM_LOG_DEBUG, ...)
//  2. The config file at path, or config.{toml,yaml} in the data dir
//  3. Defaults from Default()
func Load(path string) (Config, error) {
	v := viper.New()
	setViperDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		d := Default()
		if dir, err := d.DataDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("COGMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setViperDefaults registers every default with dotted keys so AutomaticEnv
// can override keys that never appear in a file.
func setViperDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("storage.dir", d.Storage.Dir)

	v.SetDefault("vector.dimensions", d.Vector.Dimensions)
	v.SetDefault("vector.hot_idle", d.Vector.HotIdle)
	v.SetDefault("vector.warm_idle", d.Vector.WarmIdle)
	v.SetDefault("vector.promote_accesses", d.Vector.PromoteAccesses)
	v.SetDefault("vector.hot_capacity", d.Vector.HotCapacity)
	v.SetDefault("vector.warm_capacity", d.Vector.WarmCapacity)
	v.SetDefault("vector.eviction", d.Vector.Eviction)
	v.SetDefault("vector.sweep_interval", d.Vector.SweepInterval)
	v.SetDefault("vector.batch_size", d.Vector.BatchSize)
	v.SetDefault("vector.lock_timeout", d.Vector.LockTimeout)

	v.SetDefault("graph.max_depth", d.Graph.MaxDepth)
	v.SetDefault("graph.query_timeout", d.Graph.QueryTimeout)

	v.SetDefault("ranker.vector_weight", d.Ranker.VectorWeight)
	v.SetDefault("ranker.connectivity_cap", d.Ranker.ConnectivityCap)
	v.SetDefault("ranker.link_types", d.Ranker.LinkTypes)
	v.SetDefault("ranker.min_score", d.Ranker.MinScore)

	v.SetDefault("learning.threshold", d.Learning.Threshold)
	v.SetDefault("learning.routes", d.Learning.Routes)
	v.SetDefault("learning.cluster_threshold", d.Learning.ClusterThreshold)
	v.SetDefault("learning.learning_rate", d.Learning.LearningRate)
	v.SetDefault("learning.ema_beta", d.Learning.EMABeta)
	v.SetDefault("learning.max_micro_step", d.Learning.MaxMicroStep)
	v.SetDefault("learning.max_micro_norm", d.Learning.MaxMicroNorm)
	v.SetDefault("learning.consolidate_every", d.Learning.ConsolidateEvery)
	v.SetDefault("learning.ewc_lambda", d.Learning.EWCLambda)
	v.SetDefault("learning.importance_decay", d.Learning.ImportanceDecay)
	v.SetDefault("learning.archive", d.Learning.Archive)

	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.url", d.Embedding.URL)
	v.SetDefault("embedding.model", d.Embedding.Model)

	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.pretty", d.Log.Pretty)
}
