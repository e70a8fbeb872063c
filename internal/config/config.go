// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional snapshot cache; in-memory when unset)
	DatabaseURL string

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded signing key, with or without 0x prefix
	EscrowContract string // Escrow contract address

	// Coordinator tuning
	ConvergeAttempts int           // Read polls after a confirmed tx
	ConvergeInterval time.Duration // Spacing between convergence polls
	RefreshInterval  time.Duration // Auto-refresh of tracked escrows
	WatchInterval    time.Duration // Contract event poll interval
	ReceiptTimeout   time.Duration // Max wait for a tx receipt

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultEscrowContract = "0x8b38c0D4A1Bb22bF2A3C4dd1a5E67b3D0Dd8C9F1"
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRateLimit      = 120

	DefaultConvergeAttempts = 12
	DefaultConvergeInterval = 2500 * time.Millisecond
	DefaultRefreshInterval  = 5 * time.Second
	DefaultWatchInterval    = 15 * time.Second
	DefaultReceiptTimeout   = 90 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:   getEnv("ESCROW_CONTRACT", DefaultEscrowContract),
		ConvergeAttempts: int(getEnvInt64("CONVERGE_ATTEMPTS", DefaultConvergeAttempts)),
		ConvergeInterval: getEnvDuration("CONVERGE_INTERVAL", DefaultConvergeInterval),
		RefreshInterval:  getEnvDuration("REFRESH_INTERVAL", DefaultRefreshInterval),
		WatchInterval:    getEnvDuration("WATCH_INTERVAL", DefaultWatchInterval),
		ReceiptTimeout:   getEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if c.ConvergeAttempts <= 0 {
		return fmt.Errorf("CONVERGE_ATTEMPTS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
