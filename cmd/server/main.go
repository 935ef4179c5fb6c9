// Package main is the entrypoint for the Prophecy API server.
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

	"github.com/kiranshivaraju/prophecy/internal/api"
	"github.com/kiranshivaraju/prophecy/internal/api/handler"
	mw "github.com/kiranshivaraju/prophecy/internal/api/middleware"
	"github.com/kiranshivaraju/prophecy/internal/cache"
	"github.com/kiranshivaraju/prophecy/internal/config"
	"github.com/kiranshivaraju/prophecy/internal/forecast"
	"github.com/kiranshivaraju/prophecy/internal/intake"
	"github.com/kiranshivaraju/prophecy/internal/lifecycle"
	"github.com/kiranshivaraju/prophecy/internal/store"
	"github.com/kiranshivaraju/prophecy/internal/stream"
	"github.com/kiranshivaraju/prophecy/internal/token"
	"github.com/kiranshivaraju/prophecy/internal/trigger"
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
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "trigger_mode", cfg.Trigger.Mode, "engine", cfg.Compute.Engine, "env", cfg.Server.Env)

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
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
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

	// 5. Create stores
	pgStore := store.NewPostgresStore(pool)
	files := intake.NewPostgresStore(pool, cfg.Intake.MaxFileBytes)

	// 6. Subscription hub, shared across instances through Redis
	hub := stream.NewHub(cfg.Stream.BufferSize)
	relay := stream.NewRedisRelay(redisCache.Client(), hub)
	go relay.Run(ctx)

	// 7. Compute trigger
	tokens := token.NewIssuer(cfg.Trigger.TokenSecret)
	dispatcher, local, err := newDispatcher(cfg)
	if err != nil {
		return err
	}

	ctrl := lifecycle.New(lifecycle.Deps{
		Store:      pgStore,
		Intake:     files,
		Cache:      redisCache,
		Dispatcher: dispatcher,
		Tokens:     tokens,
		Publisher:  relay,
		Hub:        hub,
		PublicURL:  cfg.Server.PublicURL,
		Deadline:   cfg.Compute.Deadline,
	})
	if local != nil {
		local.Bind(ctrl)
	}
	go lifecycle.NewSweeper(ctrl, cfg.Compute.SweepInterval).Run(ctx)

	// 8. Build router with dependencies
	preds := handler.NewPredictionHandler(ctrl, cfg.Intake.MaxFileBytes, cfg.Stream.Heartbeat)

	deps := api.Dependencies{
		Auth:        mw.NewAuth(pgStore),
		TriggerAuth: mw.NewTriggerAuth(tokens),
		RateLimit:   mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler:     handler.NewHealthHandler(pgStore, redisCache),
		SubmitPrediction:  preds.Submit,
		ListPredictions:   preds.List,
		StreamPredictions: preds.Stream,
		GetPrediction:     preds.Get,
		PredictionStatus:  preds.Status,
		PredictionFile:    preds.File,
		ReportOutcome:     preds.Outcome,
		CreateKeyHandler:  handler.NewCreateKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv.RegisterOnShutdown(preds.Close)

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
	if local != nil {
		local.Wait()
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newDispatcher builds the dispatcher for cfg.Trigger.Mode. The returned
// Local is non-nil only in local mode and must be bound to the controller.
func newDispatcher(cfg *config.Config) (trigger.Dispatcher, *trigger.Local, error) {
	if cfg.Trigger.Mode == "http" {
		slog.Info("dispatching to remote worker", "url", cfg.Trigger.WorkerURL)
		return trigger.NewHTTP(cfg.Trigger.WorkerURL, cfg.Trigger.DispatchTimeout), nil, nil
	}

	engine, err := forecast.NewEngine(cfg.Compute)
	if err != nil {
		return nil, nil, fmt.Errorf("create compute engine: %w", err)
	}
	slog.Info("compute engine initialized", "engine", engine.Name())
	local := trigger.NewLocal(engine, cfg.Compute.Timeout)
	return local, local, nil
}
