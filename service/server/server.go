package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solexport/service/config"
	"github.com/brojonat/solexport/service/db"
	"github.com/brojonat/solexport/service/export"
	"github.com/brojonat/solexport/service/metrics"
	"github.com/brojonat/solexport/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter runs a synchronous export. Satisfied by *export.Exporter.
type Exporter interface {
	Run(ctx context.Context, criteria export.FilterCriteria, progress chan<- export.ProgressEvent) (*export.Result, error)
}

// JobStore provides the job metadata operations the handlers need.
// Satisfied by *db.Store.
type JobStore interface {
	CreateJob(ctx context.Context, params db.CreateJobParams) (*db.Job, error)
	GetJob(ctx context.Context, id string) (*db.Job, error)
	ListJobs(ctx context.Context, wallet string, limit, offset int32) ([]*db.Job, error)
}

// WorkflowStarter starts asynchronous export workflows. Satisfied by
// *temporal.Client.
type WorkflowStarter interface {
	StartExport(ctx context.Context, input temporal.ExportJobInput) (string, error)
}

// Server represents the HTTP server for the export service.
type Server struct {
	addr        string
	cfg         *config.Config
	store       JobStore
	exporter    Exporter
	starter     WorkflowStarter
	sseConsumer *SSEConsumer
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The starter is optional - if nil, asynchronous exports are rejected.
// The sseConsumer is optional - if nil, the SSE endpoint won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, store JobStore, exporter Exporter, starter WorkflowStarter, sseConsumer *SSEConsumer, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:        addr,
		cfg:         cfg,
		store:       store,
		exporter:    exporter,
		starter:     starter,
		sseConsumer: sseConsumer,
		metrics:     m,
		logger:      logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // synchronous exports page through the upstream API
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Handler builds the route table. Exposed so tests can exercise the
// routes without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// instrument wraps a handler with per-endpoint HTTP metrics.
	instrument := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	// Export routes
	mux.Handle("POST /api/v1/exports", instrument("/api/v1/exports", handleCreateExport(s.store, s.exporter, s.starter, s.cfg, s.logger)))
	mux.Handle("GET /api/v1/exports", instrument("/api/v1/exports", handleListExports(s.store, s.logger)))
	mux.Handle("GET /api/v1/exports/{id}", instrument("/api/v1/exports/{id}", handleGetExport(s.store, s.logger)))
	mux.Handle("GET /api/v1/exports/{id}/download", instrument("/api/v1/exports/{id}/download", handleDownloadExport(s.store, s.logger)))

	// SSE progress endpoint (if consumer is configured)
	if s.sseConsumer != nil {
		mux.Handle("GET /api/v1/exports/{id}/events", handleStreamExportEvents(s.sseConsumer, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE consumer not configured, streaming endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE consumer first (disconnects all clients)
	if s.sseConsumer != nil {
		s.sseConsumer.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
