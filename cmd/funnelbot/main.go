package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ent0n29/funnelbot/internal/app"
	"github.com/ent0n29/funnelbot/internal/config"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("funnelbot stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Start(runCtx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.BindAddr, "bot_id", cfg.BotID, "backends", built.Backends)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runCancel()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Stop intake first so no new jobs are published while workers drain.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	runCancel()
	if err := built.Stop(shutdownCtx); err != nil {
		slog.Warn("outbox workers did not stop in time", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
