package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/refhub/refsync-worker/internal/adapter"
	"github.com/refhub/refsync-worker/internal/config"
	"github.com/refhub/refsync-worker/internal/database"
	"github.com/refhub/refsync-worker/internal/logging"
	"github.com/refhub/refsync-worker/internal/repository"
	"github.com/refhub/refsync-worker/internal/sync"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	logger.Info("database connected")

	// Run migrations
	logger.Info("running database migrations")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("migrations completed")

	// Initialize repositories
	integrationRepo := repository.NewIntegrationRepository(db)
	literatureRepo := repository.NewLiteratureRepository(db)

	// Register service adapters
	adapters := adapter.NewRegistry()
	adapters.Register(adapter.NewZotero(cfg.ZoteroBaseURL))
	adapters.Register(adapter.NewGoogleBooks(cfg.GoogleClientID, cfg.GoogleClientSecret))
	logger.Info("adapters registered", "services", adapters.Services())

	// Initialize the sync engine
	refresher := sync.NewTokenRefresher(integrationRepo, time.Duration(cfg.TokenRefreshMargin)*time.Second, logger)
	reconciler := sync.NewReconciler(literatureRepo)
	runner := sync.NewRunner(integrationRepo, refresher, reconciler, adapters, sync.RunnerConfig{
		PageSize:    cfg.PageSize,
		RunTimeout:  time.Duration(cfg.RunTimeout) * time.Second,
		BackoffBase: time.Duration(cfg.BackoffBase) * time.Second,
		BackoffCap:  time.Duration(cfg.BackoffCap) * time.Second,
	}, logger)

	scheduler := sync.NewScheduler(sync.SchedulerConfig{
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
		Workers:      cfg.Workers,
		DueBatchSize: cfg.DueBatchSize,
	}, integrationRepo, runner, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start scheduler in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- scheduler.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				logger.Error("scheduler error", "error", err)
			}
		}

		logger.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
