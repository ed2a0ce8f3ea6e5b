// Package main provides the docuvision worker entrypoint: the
// long-running process that claims JobQueue work, drives it through
// PipelineEngine, and runs the Janitor/HealthMonitor sweeps
// (SPEC_FULL.md §4.2, §4.3, §5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/docuvision/docuvision/internal/app"
	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/docuvision/docuvision/internal/pipeline"
	"github.com/docuvision/docuvision/internal/workerpool"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "docuvision-worker",
	})

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("database", cfg.Database.Driver).
		Msg("Starting docuvision worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build services")
	}
	defer svc.Close()

	limitedExtractor := workerpool.NewRateLimitedExtractor(svc.Vision, svc.Limiter)

	engine := pipeline.NewEngine(
		svc.DB,
		svc.Blob,
		svc.Jobs,
		svc.Rasterizer,
		svc.Preprocessor,
		limitedExtractor,
		svc.OCR,
		svc.Schemas,
		svc.Progress,
		svc.Logger,
		cfg.Processing,
		cfg.Vision.ModelName,
	)

	pool := workerpool.NewPool(
		svc.Jobs,
		engine,
		svc.Logger,
		cfg.Worker.Concurrency,
		cfg.Queue.VisibilityTimeout,
		cfg.Queue.MaxAttempts,
		cfg.Queue.ClaimPollInterval,
		"docuvision-worker",
	)

	janitor := workerpool.NewJanitor(svc.DB, svc.Jobs, svc.Logger, cfg.Processing.HeartbeatTimeout, 0)
	monitor := workerpool.NewHealthMonitor(janitor, svc.Logger, 0)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); pool.Run(ctx) }()
	go func() { defer wg.Done(); janitor.Run(ctx) }()
	go func() { defer wg.Done(); monitor.Run(ctx) }()

	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()
	wg.Wait()

	logger.Info().Msg("Worker stopped")
}
