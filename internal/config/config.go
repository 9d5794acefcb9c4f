// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Chain modes.
const (
	ChainMemory = "memory" // simulated escrow and reputation ledgers
	ChainEVM    = "evm"    // deployed contracts over JSON-RPC
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Settlement leases (optional, in-process leases if not set)

	// Event stream
	KafkaBrokers []string
	KafkaTopic   string

	// Blockchain settings
	ChainMode          string
	RPCURL             string
	ChainID            int64
	PrivateKey         string // Operator key, hex-encoded
	USDCContract       string
	EscrowContract     string
	ReputationContract string
	Confirmations      uint64

	// Settlement and reconciliation
	ReconcileInterval   time.Duration
	MaxSettleAttempts   int
	ConfirmationTimeout time.Duration
	RetryBase           time.Duration
	RetryMax            time.Duration
	PlacementWait       time.Duration
	LeaseTTL            time.Duration

	// Marketplace
	GigCatalogPath string // YAML seed for the in-memory gig catalog

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of traces kept, 0 or 1 keeps all
}

// Base Sepolia defaults
const (
	DefaultRPCURL              = "https://sepolia.base.org"
	DefaultChainID             = 84532                                        // Base Sepolia
	DefaultUSDCContract        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaTopic          = "order-events"
	DefaultConfirmations       = 2
	DefaultReconcileInterval   = 15 * time.Second
	DefaultMaxSettleAttempts   = 5
	DefaultConfirmationTimeout = 10 * time.Minute
	DefaultRetryBase           = 5 * time.Second
	DefaultRetryMax            = 5 * time.Minute
	DefaultPlacementWait       = 20 * time.Second
	DefaultLeaseTTL            = 2 * time.Minute
	DefaultRateLimit           = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		ChainMode:           getEnv("CHAIN_MODE", ChainMemory),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"),
		USDCContract:        getEnv("USDC_CONTRACT", DefaultUSDCContract),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		ReputationContract:  os.Getenv("REPUTATION_CONTRACT"),
		Confirmations:       uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)), //nolint:gosec // validated below
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		MaxSettleAttempts:   int(getEnvInt64("SETTLEMENT_MAX_ATTEMPTS", DefaultMaxSettleAttempts)),
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		RetryBase:           getEnvDuration("SETTLEMENT_RETRY_BASE", DefaultRetryBase),
		RetryMax:            getEnvDuration("SETTLEMENT_RETRY_MAX", DefaultRetryMax),
		PlacementWait:       getEnvDuration("PLACEMENT_WAIT", DefaultPlacementWait),
		LeaseTTL:            getEnvDuration("LEASE_TTL", DefaultLeaseTTL),
		GigCatalogPath:      os.Getenv("GIG_CATALOG"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.ChainMode {
	case ChainMemory:
	case ChainEVM:
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required")
		}
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required in evm mode")
		}
		if c.ReputationContract == "" {
			return fmt.Errorf("REPUTATION_CONTRACT is required in evm mode")
		}
	default:
		return fmt.Errorf("CHAIN_MODE must be %q or %q, got %q", ChainMemory, ChainEVM, c.ChainMode)
	}

	if c.MaxSettleAttempts <= 0 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be positive")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.RetryMax > 0 && c.RetryBase > c.RetryMax {
		return fmt.Errorf("SETTLEMENT_RETRY_BASE must not exceed SETTLEMENT_RETRY_MAX")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
