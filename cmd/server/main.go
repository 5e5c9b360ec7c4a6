// Package main is the entry point for yieldrouter, an autonomous controller
// that keeps stablecoin capital in the best-yielding lending venue.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/yieldrouter/internal/config"
	"github.com/aristath/yieldrouter/internal/di"
	"github.com/aristath/yieldrouter/internal/server"
	"github.com/aristath/yieldrouter/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting yieldrouter")

	// Cancelled on shutdown; parents the controller loop and the status monitor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:         log,
		DB:          container.DB,
		DataDir:     cfg.DataDir,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		Controller:  container.Controller,
		Positions:   di.NewPaperPositions(container.PositionRepo, container.Ledger),
		History:     container.AuditRepo,
		Planner:     container.Orchestrator,
		Breakers:    container.Scanner,
		Metrics:     container.Metrics,
		BaseContext: ctx,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	container.Maintenance.Start()

	if cfg.Controller.AutoStart {
		if err := container.Controller.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start controller")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop waits for an in-flight execution to finish before returning
	container.Controller.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
