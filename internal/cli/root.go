package cli

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/engine"
	"github.com/lazypower/cogmem/internal/logger"
)

var (
	configPath string
	dataDir    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "cogmem",
	Short:         "Cognitive memory engine: vectors, graph, hybrid ranking and learning",
	Long:          "cogmem stores documents as tiered vectors and typed graph nodes, ranks searches by similarity and connectivity, and learns ranking weights from query outcomes.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: config.{toml,yaml} in the data dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides storage.dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(relateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(learnCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.Storage.Dir = dataDir
	}
	if debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logger.New(
		logger.WithDebug(cfg.Log.Debug),
		logger.WithJSON(cfg.Log.JSON),
		logger.WithPretty(cfg.Log.Pretty),
	)
}

// openEngine loads configuration and opens the engine for a one-shot
// command. The caller closes it.
func openEngine() (*engine.Engine, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	e, err := engine.Open(cfg, nil, newLogger(cfg))
	return e, cfg, err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
