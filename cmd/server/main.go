// Package main is the entrypoint for the promptbatch API server.
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

	"github.com/kiranshivaraju/promptbatch/internal/ai/providers"
	"github.com/kiranshivaraju/promptbatch/internal/api"
	"github.com/kiranshivaraju/promptbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/promptbatch/internal/api/middleware"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/internal/observability"
	"github.com/kiranshivaraju/promptbatch/internal/prompts"
	"github.com/kiranshivaraju/promptbatch/internal/queue"
	"github.com/kiranshivaraju/promptbatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "queue", cfg.Queue.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.Observability, "server", slog.Default())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, "promptbatch-server")
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis backs the status cache, the rate limiter and the queue
	redisClient, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer redisClient.Close()

	redisCache := cache.NewRedisCache(redisClient)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	q := queue.NewRedisQueue(redisClient, cfg.Queue.Name)

	// 5. Providers are resolved here only to reject unconfigured selectors early
	registry, err := providers.NewRegistry(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI providers: %w", err)
	}
	slog.Info("AI providers initialized", "providers", registry.Names())

	pgStore := store.NewPostgresStore(pool)

	// 6. Seed prompt templates
	if cfg.Prompts.File != "" {
		if err := seedPrompts(ctx, pgStore, cfg.Prompts.File); err != nil {
			return err
		}
	}

	// 7. Build router with dependencies
	svc := batch.NewService(pgStore, q, registry,
		batch.WithNotifier(batch.NewNotifier(pgStore, cfg.Batch.WebhookTimeout, slog.Default())),
		batch.WithStaleThreshold(cfg.Batch.StaleJobThreshold),
	)
	router := newRouter(services{
		store:     pgStore,
		status:    redisCache,
		redis:     redisCache,
		queue:     q,
		counter:   redisCache,
		submitter: svc,
		providers: registry.Names(),
	}, cfg)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// services is everything the HTTP layer reads from or writes to.
type services struct {
	store     store.Store
	status    handler.StatusReader
	redis     handler.Pinger
	queue     handler.QueueDepth
	counter   mw.Counter
	submitter handler.Submitter
	providers []string
}

func newRouter(s services, cfg *config.Config) http.Handler {
	var rateLimit *mw.RateLimit
	if s.counter != nil && cfg.RateLimit.PerMinute > 0 {
		rateLimit = mw.NewRateLimit(s.counter, cfg.RateLimit.PerMinute)
	}

	return api.NewRouter(api.Dependencies{
		RateLimit:      rateLimit,
		AllowedOrigins: cfg.CORS.AllowedOrigins,

		HealthHandler: handler.NewHealthHandler(s.store, s.redis, s.queue, s.providers),

		CreateBatchHandler: handler.NewCreateBatchHandler(s.submitter),
		ListBatchesHandler: handler.NewListBatchesHandler(s.store),
		GetBatchHandler:    handler.NewGetBatchHandler(s.store),

		SubmitJobHandler: handler.NewSubmitJobHandler(s.submitter),
		ListJobsHandler:  handler.NewListJobsHandler(s.store),
		GetJobHandler:    handler.NewGetJobHandler(s.store),
		JobStatusHandler: handler.NewJobStatusHandler(s.store, s.status),

		ListResultsHandler: handler.NewListResultsHandler(s.store),
		GetResultHandler:   handler.NewGetResultHandler(s.store),

		CreatePromptHandler: handler.NewCreatePromptHandler(s.store),
		ListPromptsHandler:  handler.NewListPromptsHandler(s.store),
		GetPromptHandler:    handler.NewGetPromptHandler(s.store),
		UpdatePromptHandler: handler.NewUpdatePromptHandler(s.store),
		DeletePromptHandler: handler.NewDeletePromptHandler(s.store),
	})
}

func seedPrompts(ctx context.Context, st prompts.Upserter, path string) error {
	templates, err := prompts.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	if _, err := prompts.Seed(ctx, st, templates, slog.Default()); err != nil {
		return fmt.Errorf("seed prompts: %w", err)
	}
	return nil
}
