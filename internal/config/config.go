// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/alancoin-escrow/internal/security"
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
	RedisURL    string // Shared rate-limit counter (optional, in-memory if not set)
	AMQPURL     string // Activity feed publisher (optional)

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	OraclePrivateKey   string // Hex-encoded oracle operator key
	EscrowContractV1   string
	EscrowContractV2   string
	ManagedSignerURL   string
	ManagedSignerToken string

	// Chain call bounds
	ChainCallTimeout    time.Duration
	ConfirmationTimeout time.Duration
	LogLookbackBlocks   int64 // 0 searches from genesis

	// Oracle
	AutoReleaseEnabled   bool
	AutoReleaseBatchSize int
	GasMinBalanceWei     *big.Int
	GasWarnBalanceWei    *big.Int
	AmountTolerance      decimal.Decimal

	// Security
	AdminSecret      string
	AdminIDs         []string
	DisputeRateLimit int // disputes per buyer per hour
	CORSOrigins      []string

	// Observability
	AlertWebhookURL string
	OTLPEndpoint    string
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultBatchSize     = 20
	DefaultDisputeLimit  = 10
	DefaultTolerance     = "0.01"
	DefaultGasMinWei     = "100000000000000"  // 0.0001 ETH
	DefaultGasWarnWei    = "5000000000000000" // 0.005 ETH
	DefaultChainTimeout  = 15 * time.Second
	DefaultConfirmWindow = 60 * time.Second
	DefaultLogLookback   = 500_000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	tol, err := decimal.NewFromString(getEnv("AMOUNT_TOLERANCE", DefaultTolerance))
	if err != nil {
		return nil, fmt.Errorf("AMOUNT_TOLERANCE: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AMQPURL:              os.Getenv("AMQP_URL"),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		OraclePrivateKey:     os.Getenv("ORACLE_PRIVATE_KEY"),
		EscrowContractV1:     os.Getenv("ESCROW_CONTRACT_V1"),
		EscrowContractV2:     os.Getenv("ESCROW_CONTRACT_V2"),
		ManagedSignerURL:     os.Getenv("MANAGED_SIGNER_URL"),
		ManagedSignerToken:   os.Getenv("MANAGED_SIGNER_TOKEN"),
		ChainCallTimeout:     getEnvDuration("CHAIN_CALL_TIMEOUT", DefaultChainTimeout),
		ConfirmationTimeout:  getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmWindow),
		LogLookbackBlocks:    getEnvInt64("CHAIN_LOG_LOOKBACK_BLOCKS", DefaultLogLookback),
		AutoReleaseEnabled:   getEnvBool("AUTO_RELEASE_ENABLED", true),
		AutoReleaseBatchSize: int(getEnvInt64("AUTO_RELEASE_BATCH_SIZE", DefaultBatchSize)),
		GasMinBalanceWei:     getEnvBig("GAS_MIN_BALANCE_WEI", DefaultGasMinWei),
		GasWarnBalanceWei:    getEnvBig("GAS_WARN_BALANCE_WEI", DefaultGasWarnWei),
		AmountTolerance:      tol,
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		AdminIDs:             splitList(os.Getenv("ADMIN_IDS")),
		DisputeRateLimit:     int(getEnvInt64("DISPUTE_RATE_LIMIT", DefaultDisputeLimit)),
		CORSOrigins:          splitList(os.Getenv("CORS_ORIGINS")),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.OraclePrivateKey != "" {
		key := strings.TrimPrefix(c.OraclePrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("ORACLE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	} else if c.IsProduction() {
		return fmt.Errorf("ORACLE_PRIVATE_KEY is required in production")
	}

	if c.EscrowContractV1 == "" && c.EscrowContractV2 == "" {
		return fmt.Errorf("at least one of ESCROW_CONTRACT_V1 or ESCROW_CONTRACT_V2 is required")
	}
	for name, addr := range map[string]string{
		"ESCROW_CONTRACT_V1": c.EscrowContractV1,
		"ESCROW_CONTRACT_V2": c.EscrowContractV2,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address", name)
		}
	}

	if c.AutoReleaseBatchSize <= 0 {
		return fmt.Errorf("AUTO_RELEASE_BATCH_SIZE must be positive")
	}
	if c.LogLookbackBlocks < 0 {
		return fmt.Errorf("CHAIN_LOG_LOOKBACK_BLOCKS must not be negative")
	}
	if c.AmountTolerance.IsNegative() {
		return fmt.Errorf("AMOUNT_TOLERANCE must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	// Webhooks must reach a public host in production; the managed signer
	// usually sits on a private network.
	if c.AlertWebhookURL != "" {
		if err := security.ValidateOutboundURL(c.AlertWebhookURL, c.IsProduction()); err != nil {
			return fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
	}
	if c.ManagedSignerURL != "" {
		if err := security.ValidateOutboundURL(c.ManagedSignerURL, false); err != nil {
			return fmt.Errorf("MANAGED_SIGNER_URL: %w", err)
		}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvBig(key, defaultValue string) *big.Int {
	if value := os.Getenv(key); value != "" {
		if b, ok := new(big.Int).SetString(value, 10); ok {
			return b
		}
	}
	b, _ := new(big.Int).SetString(defaultValue, 10)
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
