package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/perchpay/perch/service/config"
	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/events"
	"github.com/perchpay/perch/service/metrics"
	"github.com/perchpay/perch/service/processor"
	"github.com/perchpay/perch/service/server"
	"github.com/perchpay/perch/service/transfer"
	"github.com/perchpay/perch/service/vault"
)

func main() {
	// Load .env if present; real environments set vars directly.
	_ = godotenv.Load()

	// Load and validate configuration from environment.
	// This fails fast if any required config is missing or invalid.
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize payment processor client
	processorClient := processor.NewClient(
		cfg.ProcessorBaseURL,
		cfg.ProcessorAPIKey,
		&http.Client{Timeout: cfg.ProcessorTimeout},
		metricsCollector,
		logger,
	)
	logger.Info("initialized processor client", "base_url", cfg.ProcessorBaseURL)

	// Initialize NATS publisher for transfer events
	publisher, err := events.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize payment method vault
	cardVault := vault.New(store, processorClient, logger)

	// Initialize transfer executor
	executor := transfer.NewExecutor(transfer.Deps{
		Ledger:               store,
		Directory:            store,
		Methods:              cardVault,
		Processor:            processorClient,
		Publisher:            publisher,
		Metrics:              metricsCollector,
		Logger:               logger,
		ReconcileMaxAttempts: cfg.ReconcileMaxAttempts,
		ReconcileBackoff:     cfg.ReconcileBackoff,
	})

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, store, executor, cardVault, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"processor", cfg.ProcessorBaseURL,
		"nats_url", cfg.NATSURL,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
