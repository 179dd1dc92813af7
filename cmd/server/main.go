package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/durango/service/config"
	"github.com/brojonat/durango/service/db"
	"github.com/brojonat/durango/service/metrics"
	"github.com/brojonat/durango/service/multisig"
	natssvc "github.com/brojonat/durango/service/nats"
	"github.com/brojonat/durango/service/nonce"
	"github.com/brojonat/durango/service/server"
	solanasvc "github.com/brojonat/durango/service/solana"
	"github.com/brojonat/durango/service/txbuilder"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
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

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	store := db.NewStore(dbPool, m)

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	solanaRPC := solanasvc.NewRPCClient(cfg.SolanaRPCURL)
	chain := solanasvc.NewClient(solanaRPC, m, logger)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL)

	// Initialize NATS lifecycle event publisher. The service runs without
	// it when no NATS URL is configured.
	var events natssvc.Publisher
	if cfg.NATSURL != "" {
		publisher, err := natssvc.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		events = publisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, lifecycle events disabled")
	}

	nonces := nonce.NewManager(store, chain, events, m, logger, nonce.Options{
		PriorityFeePrice: cfg.PriorityFeePrice,
		PriorityFeeLimit: cfg.PriorityFeeLimit,
		BatchMax:         cfg.NonceBatchMax,
		RetryAttempts:    cfg.RetryAttempts,
		RetryDelay:       cfg.RetryDelay,
	})

	builder := txbuilder.NewBuilder(cfg.PriorityFeePrice, cfg.PriorityFeeLimit, logger)
	coordinator, err := multisig.NewCoordinator(store, chain, builder, cfg.MultisigProgramID, logger)
	if err != nil {
		logger.Error("failed to initialize multisig coordinator", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg.ServerAddr, cfg, store, nonces, coordinator, chain, events, m, logger)

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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
