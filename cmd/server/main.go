package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverInstance, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	port, err := serverInstance.Start(cfg.ServerPort)
	if err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("Server started successfully", "port", port, "env", cfg.AppEnv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverInstance.RunJobs(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		// Create context with timeout for shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return serverInstance.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
