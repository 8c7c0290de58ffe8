package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/cogmem/internal/engine"
	"github.com/lazypower/cogmem/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	// No fallback embedder: Open re-embeds every vector from another model.
	if cfg.Embedding.Provider == "ollama" && !engine.OllamaAvailable(cfg.Embedding.URL, cfg.Embedding.Model) {
		return fmt.Errorf("ollama not reachable at %s with model %s; start it or set embedding.provider=hash",
			cfg.Embedding.URL, cfg.Embedding.Model)
	}

	eng, err := engine.Open(cfg, nil, log)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()
	eng.StartSweeper()

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng, VersionString(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		dir, _ := cfg.DataDir()
		log.Info("cogmem serving", "addr", addr, "data", dir, "embedder", cfg.Embedding.Provider)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
