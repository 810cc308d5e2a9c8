// Package main is the entrypoint for the promptbatch worker. It consumes the
// job queue, calls the providers and finalizes batches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai/providers"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/budget"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/internal/observability"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/runner"
	"github.com/kiranshivaraju/promptbatch/internal/store"
	"github.com/kiranshivaraju/promptbatch/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default().With("worker_id", cfg.Worker.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.Observability, "worker", logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database, "promptbatch-worker")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	redisClient, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer redisClient.Close()

	redisCache := cache.NewRedisCache(redisClient)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	registry, err := providers.NewRegistry(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI providers: %w", err)
	}
	logger.Info("AI providers initialized", "providers", registry.Names())

	pgStore := store.NewPostgresStore(pool)
	q := queue.NewRedisQueue(redisClient, cfg.Queue.Name)

	batches := batch.NewService(pgStore, q, registry,
		batch.WithNotifier(batch.NewNotifier(pgStore, cfg.Batch.WebhookTimeout, logger)),
		batch.WithStaleThreshold(cfg.Batch.StaleJobThreshold),
		batch.WithLogger(logger),
	)
	r := runner.New(pgStore, registry, budget.New(cfg.Batch.TokenMarginPercent),
		runner.WithRecomputer(batches),
		runner.WithStatusPublisher(redisCache),
		runner.WithLogger(logger),
	)

	// Run returns once the signal arrives and every in-flight job has finished.
	if err := worker.NewPool(q, r, cfg.Worker, logger).Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	logger.Info("worker stopped gracefully")
	return nil
}
