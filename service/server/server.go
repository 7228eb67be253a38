package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perchpay/perch/service/metrics"
)

// Server represents the HTTP server for the transfer service.
type Server struct {
	addr     string
	store    Store
	executor Executor
	vault    VaultService
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, neither the metrics endpoint nor request
// instrumentation is enabled.
func New(addr string, store Store, executor Executor, vaultService VaultService, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		executor: executor,
		vault:    vaultService,
		metrics:  m,
		logger:   logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// All account-scoped routes sit behind the verified-account middleware;
	// the upstream auth layer sets X-Account-ID. Each route is instrumented
	// under its pattern so metric label cardinality stays bounded.
	authed := func(route string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, route)(requireAccount(s.store, s.logger, h))
	}

	// Transfer routes
	mux.Handle("POST /api/v1/transfers", authed("/api/v1/transfers", handleCreateTransfer(s.executor, s.logger)))
	mux.Handle("GET /api/v1/transfers/{id}", authed("/api/v1/transfers/{id}", handleGetTransfer(s.store, s.logger)))

	// Payment method routes
	mux.Handle("POST /api/v1/payment-methods", authed("/api/v1/payment-methods", handleRegisterPaymentMethod(s.vault, s.logger)))
	mux.Handle("GET /api/v1/payment-methods", authed("/api/v1/payment-methods", handleListPaymentMethods(s.vault, s.logger)))

	// Admin routes
	mux.Handle("GET /api/v1/admin/transactions", authed("/api/v1/admin/transactions", handleListTransactions(s.store, s.logger)))

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

	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // transfers can spend the reconcile budget
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
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
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
