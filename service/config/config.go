package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL string

	// Multisig configuration. The program ID of the deployed multisig
	// program the coordinator builds instructions for.
	MultisigProgramID string

	// Priority fee configuration. Every durable transaction carries a
	// compute-unit price/limit instruction pair with these values.
	PriorityFeePrice uint64 // micro-lamports per compute unit
	PriorityFeeLimit uint32 // compute units

	// Nonce creation batch bounds. A single request may ask for at most
	// NonceBatchMax new nonce accounts.
	NonceBatchMax int

	// Read-after-create retry configuration. A freshly confirmed nonce
	// account is not immediately queryable, so after the initial read
	// misses, it is retried this many times with a fixed delay before
	// each retry.
	RetryAttempts int
	RetryDelay    time.Duration
}

// Defaults for values that are configuration-owned but rarely changed.
const (
	DefaultPriorityFeePrice = 250_000
	DefaultPriorityFeeLimit = 200_000
	DefaultNonceBatchMax    = 10
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 3 * time.Second
)

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.MultisigProgramID = os.Getenv("MULTISIG_PROGRAM_ID")

	// Priority fee configuration
	feePrice, err := parseInt("PRIORITY_FEE_PRICE", DefaultPriorityFeePrice)
	if err != nil {
		errs = append(errs, err)
	} else if feePrice < 0 {
		errs = append(errs, fmt.Errorf("PRIORITY_FEE_PRICE must be non-negative"))
	} else {
		cfg.PriorityFeePrice = uint64(feePrice)
	}

	feeLimit, err := parseInt("PRIORITY_FEE_LIMIT", DefaultPriorityFeeLimit)
	if err != nil {
		errs = append(errs, err)
	} else if feeLimit <= 0 {
		errs = append(errs, fmt.Errorf("PRIORITY_FEE_LIMIT must be positive"))
	} else {
		cfg.PriorityFeeLimit = uint32(feeLimit)
	}

	// Nonce batch bounds
	batchMax, err := parseInt("NONCE_BATCH_MAX", DefaultNonceBatchMax)
	if err != nil {
		errs = append(errs, err)
	} else if batchMax < 1 {
		errs = append(errs, fmt.Errorf("NONCE_BATCH_MAX must be at least 1"))
	} else {
		cfg.NonceBatchMax = batchMax
	}

	// Retry configuration
	attempts, err := parseInt("RETRY_ATTEMPTS", DefaultRetryAttempts)
	if err != nil {
		errs = append(errs, err)
	} else if attempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be at least 1"))
	} else {
		cfg.RetryAttempts = attempts
	}

	delay, err := parseDuration("RETRY_DELAY", "3s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RetryDelay = delay
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.PriorityFeeLimit == 0 {
		errs = append(errs, fmt.Errorf("PriorityFeeLimit must be positive"))
	}

	if c.NonceBatchMax < 1 {
		errs = append(errs, fmt.Errorf("NonceBatchMax must be at least 1"))
	}

	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("RetryAttempts must be at least 1"))
	}

	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RetryDelay must be non-negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
