package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/durango/service/config"
	"github.com/brojonat/durango/service/db"
	"github.com/brojonat/durango/service/metrics"
	"github.com/brojonat/durango/service/multisig"
	"github.com/brojonat/durango/service/nats"
	"github.com/brojonat/durango/service/nonce"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/brojonat/durango/service/txbuilder"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the durable transaction service.
type Server struct {
	addr        string
	cfg         *config.Config
	store       *db.Store
	nonces      *nonce.Manager
	coordinator *multisig.Coordinator
	chain       *solanasvc.Client
	events      nats.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	server      *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The events publisher is optional - if nil, lifecycle events are not published.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, store *db.Store, nonces *nonce.Manager, coordinator *multisig.Coordinator, chain *solanasvc.Client, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:        addr,
		cfg:         cfg,
		store:       store,
		nonces:      nonces,
		coordinator: coordinator,
		chain:       chain,
		events:      events,
		metrics:     m,
		logger:      logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Nonce account routes
	mux.Handle("GET /api/v1/nonces", s.instrument("list_nonces", handleListNonces(s.nonces, s.logger)))
	mux.Handle("POST /api/v1/nonces", s.instrument("create_nonces", handleCreateNonces(s.nonces, s.logger)))
	mux.Handle("PATCH /api/v1/nonces", s.instrument("activate_nonces", handleActivateNonces(s.nonces, s.logger)))
	mux.Handle("DELETE /api/v1/nonces", s.instrument("close_nonce", handleCloseNonce(s.nonces, s.logger)))

	builder := txbuilder.NewBuilder(s.cfg.PriorityFeePrice, s.cfg.PriorityFeeLimit, s.logger)

	// Durable transaction routes
	mux.Handle("POST /api/v1/transactions/transfer", s.instrument("build_transfer", handleBuildTransfer(s.store, s.nonces, builder, s.events, s.metrics, s.logger)))
	mux.Handle("POST /api/v1/transactions/execute", s.instrument("execute_transaction", handleExecuteTransaction(s.store, s.nonces, s.chain, s.events, s.metrics, s.logger)))
	mux.Handle("GET /api/v1/transactions", s.instrument("list_transactions", handleListTransactions(s.store, s.logger)))

	// Multisig routes
	mux.Handle("GET /api/v1/multisig", s.instrument("list_multisig", handleListMultisigGroups(s.store, s.logger)))
	mux.Handle("POST /api/v1/multisig", s.instrument("create_multisig", handleCreateMultisigGroup(s.store, s.nonces, s.coordinator, s.events, s.metrics, s.logger)))
	mux.Handle("POST /api/v1/multisig/{address}/proposals", s.instrument("propose_transfer", handleProposeVaultTransfer(s.store, s.nonces, s.coordinator, s.events, s.metrics, s.logger)))
	mux.Handle("POST /api/v1/multisig/{address}/approvals", s.instrument("approve_proposal", handleApproveProposal(s.store, s.nonces, s.coordinator, s.events, s.metrics, s.logger)))

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

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
