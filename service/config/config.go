package config

import (
	"errors"
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

	// Payment processor configuration
	ProcessorBaseURL string
	ProcessorAPIKey  string
	ProcessorTimeout time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Reconciliation configuration. When a charge call ends ambiguously
	// (timeout, connection failure) the executor queries the processor for
	// the charge status at most ReconcileMaxAttempts times, sleeping
	// ReconcileBackoff (doubling each attempt) between queries.
	ReconcileMaxAttempts int
	ReconcileBackoff     time.Duration
}

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

	// Payment processor configuration
	cfg.ProcessorBaseURL = os.Getenv("PROCESSOR_BASE_URL")
	if cfg.ProcessorBaseURL == "" {
		errs = append(errs, fmt.Errorf("PROCESSOR_BASE_URL is required"))
	}

	cfg.ProcessorAPIKey = os.Getenv("PROCESSOR_API_KEY")
	if cfg.ProcessorAPIKey == "" {
		errs = append(errs, fmt.Errorf("PROCESSOR_API_KEY is required"))
	}

	var err error
	cfg.ProcessorTimeout, err = getDurationOrDefault("PROCESSOR_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid PROCESSOR_TIMEOUT: %w", err))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "perch-reconcile")

	// Reconciliation configuration
	cfg.ReconcileMaxAttempts, err = getIntOrDefault("RECONCILE_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid RECONCILE_MAX_ATTEMPTS: %w", err))
	} else if cfg.ReconcileMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1"))
	}

	cfg.ReconcileBackoff, err = getDurationOrDefault("RECONCILE_BACKOFF", 2*time.Second)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid RECONCILE_BACKOFF: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics if any required config is missing.
// Use this in main() for fail-fast startup behavior.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationOrDefault parses a duration environment variable or returns a default.
func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}

// getIntOrDefault parses an integer environment variable or returns a default.
func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
