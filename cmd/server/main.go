// The biome gateway fronts a GPU-resident generative world engine: it
// streams frames to interactive clients over WebSocket and manages the
// safety-vetted seed image library over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/biome/gateway/internal/config"
	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/gpu"
	"github.com/biome/gateway/internal/monitoring"
	"github.com/biome/gateway/internal/safety"
	"github.com/biome/gateway/internal/seeds"
	"github.com/biome/gateway/internal/session"
	"github.com/biome/gateway/internal/transport"
)

const shutdownGrace = 30 * time.Second

func main() {
	host := pflag.String("host", "", "listen host (overrides config)")
	port := pflag.Int("port", 0, "listen port (overrides config)")
	configPath := pflag.String("config", "config.yaml", "path to config file")
	pflag.Parse()

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("host") {
		cfg.Server.Host = *host
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := slog.Default()

	if err := os.MkdirAll(cfg.WorldEngineDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Engine bindings. The real accelerator adapter is linked in by the
	// deployment build; the development build drives the mock engine.
	adapter, device := engineBindings(cfg)

	worker := gpu.NewWorker(64)
	defer worker.Close()

	orch := engine.NewOrchestrator(adapter, device, worker, engine.Config{
		DefaultModelURI: cfg.Engine.DefaultModel,
		Device:          cfg.Engine.Device,
		NFrames:         cfg.Engine.NFrames,
		AEURI:           cfg.Engine.AEURI,
		SchedulerSigmas: cfg.Engine.SchedulerSigmas,
		Quant:           cfg.Engine.Quant,
		DefaultPrompt:   cfg.Engine.DefaultPrompt,
	})

	checker := safety.NewChecker(safetyModel(), safetyAccelerator(cfg), worker, cfg.Safety.BatchSize)
	if err := checker.Warmup(); err != nil {
		log.Warn("safety checker warmup failed", "error", err)
	}

	cache, err := seeds.New(seeds.Config{
		DefaultDir:   cfg.DefaultSeedDir(),
		UploadsDir:   cfg.UploadsSeedDir(),
		SnapshotPath: cfg.SnapshotPath(),
		HashWorkers:  cfg.Seeds.HashWorkers,
		OnChange:     metrics.SetSeedCounts,
	}, checker)
	if err != nil {
		return err
	}
	if err := cache.SetupDefaults(cfg.Seeds.LocalDir); err != nil {
		log.Warn("default seed provisioning failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache.Load()
	if err := cache.ValidateAndUpdate(ctx); err != nil {
		return fmt.Errorf("validating seed cache: %w", err)
	}

	if cfg.Seeds.WatchEnabled {
		watcher := seeds.NewWatcher(cache, 0)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("seed watcher stopped", "error", err)
			}
		}()
	}

	srv := transport.NewServer(orch, checker, cache, metrics, session.Options{
		MaxFrames:   cfg.Engine.NFrames - 2,
		JPEGQuality: cfg.Engine.JPEGQuality,
		DefaultSeed: cfg.Seeds.DefaultSeed,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown error", "error", err)
		}
	}()

	log.Info("gateway listening", "addr", cfg.Addr(), "model", cfg.Engine.DefaultModel)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("gateway stopped")
	return nil
}
