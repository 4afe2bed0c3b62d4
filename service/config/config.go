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

	// Database configuration (export job metadata)
	DatabaseURL string

	// NATS configuration (progress event streaming)
	NATSURL string

	// Helius API configuration
	HeliusAPIKey  string
	HeliusBaseURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Pipeline configuration
	PageSize        int
	MinCallInterval time.Duration
	CallTimeout     time.Duration
	RetryBound      int
	HardRecordCap   int
	MaxExportRows   int
	MaxWindow       time.Duration

	// Worker output configuration
	ExportOutputDir string
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

	// Helius API configuration
	cfg.HeliusAPIKey = os.Getenv("HELIUS_API_KEY")
	if cfg.HeliusAPIKey == "" {
		errs = append(errs, fmt.Errorf("HELIUS_API_KEY is required"))
	}
	cfg.HeliusBaseURL = getEnvOrDefault("HELIUS_BASE_URL", "https://api.helius.xyz")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solexport-exports")

	// Pipeline configuration
	var err error
	if cfg.PageSize, err = parseInt("PAGE_SIZE", 100); err != nil {
		errs = append(errs, err)
	}
	if cfg.MinCallInterval, err = parseDuration("MIN_CALL_INTERVAL", "200ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.CallTimeout, err = parseDuration("CALL_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryBound, err = parseInt("RETRY_BOUND", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.HardRecordCap, err = parseInt("HARD_RECORD_CAP", 30000); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxExportRows, err = parseInt("MAX_EXPORT_ROWS", 10000); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxWindow, err = parseDuration("MAX_WINDOW", "2160h"); err != nil { // 90 days
		errs = append(errs, err)
	}

	// Worker output configuration
	cfg.ExportOutputDir = getEnvOrDefault("EXPORT_OUTPUT_DIR", os.TempDir())

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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
	if c.HeliusAPIKey == "" {
		errs = append(errs, fmt.Errorf("HeliusAPIKey is required"))
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		errs = append(errs, fmt.Errorf("PageSize must be in [1, 100], got %d", c.PageSize))
	}
	if c.MinCallInterval < 0 {
		errs = append(errs, fmt.Errorf("MinCallInterval must not be negative"))
	}
	if c.CallTimeout < time.Second {
		errs = append(errs, fmt.Errorf("CallTimeout must be at least 1 second"))
	}
	if c.RetryBound < 1 {
		errs = append(errs, fmt.Errorf("RetryBound must be at least 1"))
	}
	if c.HardRecordCap < 1 {
		errs = append(errs, fmt.Errorf("HardRecordCap must be at least 1"))
	}
	if c.MaxExportRows < 1 {
		errs = append(errs, fmt.Errorf("MaxExportRows must be at least 1"))
	}
	if c.MaxWindow < 24*time.Hour {
		errs = append(errs, fmt.Errorf("MaxWindow must be at least 24 hours"))
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
