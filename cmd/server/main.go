package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solexport/service/config"
	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/helius"
	"github.com/brojonat/solexport/service/metrics"
	"github.com/brojonat/solexport/service/ratelimit"
	"github.com/brojonat/solexport/service/server"
	"github.com/brojonat/solexport/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(ctx, dbPool); err != nil {
		logger.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize database store
	store := db.NewStore(dbPool)

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Build the export pipeline: rate limiter, upstream client, retry
	// policy, paginator, exporter.
	limiter := ratelimit.NewLimiter(cfg.MinCallInterval)
	heliusClient := helius.NewClient(cfg.HeliusAPIKey, limiter, helius.ClientOptions{
		BaseURL:     cfg.HeliusBaseURL,
		PageSize:    cfg.PageSize,
		CallTimeout: cfg.CallTimeout,
		Metrics:     metricsCollector,
	}, logger)
	retryPolicy := helius.NewRetryPolicy(cfg.RetryBound, limiter, metricsCollector, logger)
	paginator := helius.NewPaginator(heliusClient, retryPolicy, cfg.HardRecordCap, metricsCollector, logger)
	exporter := export.NewExporter(paginator, export.ExporterOptions{
		MaxRows:   cfg.MaxExportRows,
		MaxWindow: cfg.MaxWindow,
		Metrics:   metricsCollector,
	}, logger)
	logger.Info("export pipeline initialized",
		"base_url", cfg.HeliusBaseURL,
		"page_size", cfg.PageSize,
		"min_call_interval", cfg.MinCallInterval,
	)

	// Initialize Temporal client for async exports. The server still
	// serves synchronous exports when Temporal is unavailable.
	var starter server.WorkflowStarter
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, async exports disabled", "error", err)
	} else {
		defer temporalClient.Close()
		starter = temporalClient
	}

	// Initialize SSE consumer for progress streaming. Optional for the
	// same reason.
	sseConsumer, err := server.NewSSEConsumer(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, SSE streaming disabled", "error", err)
		sseConsumer = nil
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, store, exporter, starter, sseConsumer, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"helius_base_url", cfg.HeliusBaseURL,
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
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

		// Graceful shutdown with timeout
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
