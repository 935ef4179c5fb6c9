// Package main is the entrypoint for the standalone Prophecy compute worker.
// It accepts tasks from an API server in http trigger mode and posts each
// outcome back to the task's callback URL.
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

	"github.com/kiranshivaraju/prophecy/internal/config"
	"github.com/kiranshivaraju/prophecy/internal/forecast"
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
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := forecast.NewEngine(cfg.Compute)
	if err != nil {
		return fmt.Errorf("create compute engine: %w", err)
	}
	slog.Info("compute engine initialized", "engine", engine.Name())

	worker := trigger.NewWorker(engine, token.NewIssuer(cfg.TokenSecret), cfg.Compute.Timeout, cfg.CallbackTimeout)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      worker.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, finishing in-flight tasks...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	worker.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}
