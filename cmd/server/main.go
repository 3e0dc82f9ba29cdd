// Package main is the entrypoint for the ValidAI engine API server.
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

	"github.com/validai/validai-engine/internal/api"
	"github.com/validai/validai-engine/internal/api/handler"
	mw "github.com/validai/validai-engine/internal/api/middleware"
	"github.com/validai/validai-engine/internal/api/response"
	"github.com/validai/validai-engine/internal/cache"
	"github.com/validai/validai-engine/internal/config"
	"github.com/validai/validai-engine/internal/docstore"
	"github.com/validai/validai-engine/internal/engine"
	"github.com/validai/validai-engine/internal/llm"
	"github.com/validai/validai-engine/internal/llm/anthropic"
	"github.com/validai/validai-engine/internal/llm/gemini"
	"github.com/validai/validai-engine/internal/llm/mistral"
	"github.com/validai/validai-engine/internal/queue"
	"github.com/validai/validai-engine/internal/run"
	"github.com/validai/validai-engine/internal/secrets"
	"github.com/validai/validai-engine/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Missing .env is fine; production injects real environment variables.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := runServer(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func runServer(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store, document storage, and credential box
	pgStore := store.NewPostgresStore(pool)
	docs := docstore.NewHTTPClient(
		cfg.Storage.BaseURL, cfg.Storage.Token, cfg.Storage.Bucket, cfg.Storage.Timeout)

	box, err := secrets.NewBox(cfg.Secrets.Key)
	if err != nil {
		return fmt.Errorf("create secrets box: %w", err)
	}
	if len(cfg.Secrets.Key) == 0 {
		slog.Warn("CREDENTIALS_ENCRYPTION_KEY not set, tenant credentials disabled")
	}

	// 6. Build the provider router and execution engine
	router := llm.NewRouter(
		anthropic.NewExecutor(cfg.Providers.Anthropic.BaseURL, cfg.Providers.Anthropic.UseFilesAPI),
		gemini.NewExecutor(cfg.Providers.Google.BaseURL),
		mistral.NewExecutor(cfg.Providers.Mistral.BaseURL),
	)
	eng := engine.New(router, pgStore, logger)

	// 7. Orchestrator and continuation worker
	chunkQueue := queue.NewRedisQueue(redisCache.Client(), queue.DefaultQueueKey)
	orch := run.NewOrchestrator(
		pgStore, docs, router, eng, chunkQueue, redisCache, box, cfg.Providers, logger)

	worker := queue.NewWorker(chunkQueue, orch, 4, logger)
	go worker.Start(ctx)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, cfg.Service.RoleToken),
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler:  healthHandler(pgStore, redisCache),
		ExecuteHandler: handler.NewExecuteHandler(orch),
		GetRunHandler:  handler.NewGetRunHandler(pgStore),
		ListResults:    handler.NewListResultsHandler(pgStore),
	}

	httpRouter := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
