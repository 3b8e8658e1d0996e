package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// Solana configuration
	SolanaRPCURL       string
	SolanaNetwork      string
	ServiceKeypair     string // base58 private key of the operating (payout) wallet
	ServiceKeypairPath string // solana-keygen JSON file, used when ServiceKeypair is empty

	// Optional integrations; empty disables them.
	NATSURL         string
	DiscordBotToken string
	RedisURL        string

	// Temporal configuration. An empty host keeps payouts in-process.
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Price feed configuration
	PriceAPIURL     string
	PriceJQ         string
	PriceRatePerSec float64

	// Transaction pipeline
	SignTimeout       time.Duration
	ConfirmTimeout    time.Duration
	PayoutMaxAttempts int
	PayoutPolicy      string // "flat" or "pro-rata"
	PayoutMultiplier  int64

	// Poll scheduler
	NetworkSampleInterval time.Duration
	WalletPollInterval    time.Duration
	AlertPollInterval     time.Duration
	NetworkHistoryWindow  time.Duration

	// Cache
	PriceCacheTTL   time.Duration
	StatsCacheTTL   time.Duration
	WalletCacheTTL  time.Duration
	CacheMaxEntries int
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first when present; variables already
// set in the environment take precedence.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet")
	if cfg.SolanaNetwork != "mainnet" && cfg.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be 'mainnet' or 'devnet', got %q", cfg.SolanaNetwork))
	}
	cfg.ServiceKeypair = os.Getenv("SERVICE_KEYPAIR")
	cfg.ServiceKeypairPath = os.Getenv("SERVICE_KEYPAIR_PATH")
	if cfg.ServiceKeypair == "" && cfg.ServiceKeypairPath == "" {
		errs = append(errs, fmt.Errorf("SERVICE_KEYPAIR or SERVICE_KEYPAIR_PATH is required"))
	}

	// Optional integrations
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.DiscordBotToken = os.Getenv("DISCORD_BOT_TOKEN")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// Temporal configuration
	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solmarket-payouts")

	// Price feed configuration
	cfg.PriceAPIURL = getEnvOrDefault("PRICE_API_URL", "https://api.coingecko.com/api/v3/simple/price")
	cfg.PriceJQ = getEnvOrDefault("PRICE_JQ", ".[$id].usd")
	if rate, err := parseFloat("PRICE_RATE_PER_SEC", 0.5); err != nil {
		errs = append(errs, err)
	} else {
		cfg.PriceRatePerSec = rate
	}

	// Durations
	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"SIGN_TIMEOUT", "5m", &cfg.SignTimeout},
		{"CONFIRM_TIMEOUT", "60s", &cfg.ConfirmTimeout},
		{"NETWORK_SAMPLE_INTERVAL", "30s", &cfg.NetworkSampleInterval},
		{"WALLET_POLL_INTERVAL", "1m", &cfg.WalletPollInterval},
		{"ALERT_POLL_INTERVAL", "1m", &cfg.AlertPollInterval},
		{"NETWORK_HISTORY_WINDOW", "10m", &cfg.NetworkHistoryWindow},
		{"PRICE_CACHE_TTL", "5m", &cfg.PriceCacheTTL},
		{"STATS_CACHE_TTL", "30s", &cfg.StatsCacheTTL},
		{"WALLET_CACHE_TTL", "30s", &cfg.WalletCacheTTL},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	// Integers
	if n, err := parseInt("PAYOUT_MAX_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	} else {
		cfg.PayoutMaxAttempts = n
	}
	if n, err := parseInt("PAYOUT_MULTIPLIER", 2); err != nil {
		errs = append(errs, err)
	} else {
		cfg.PayoutMultiplier = int64(n)
	}
	if n, err := parseInt("CACHE_MAX_ENTRIES", 200); err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheMaxEntries = n
	}

	cfg.PayoutPolicy = getEnvOrDefault("PAYOUT_POLICY", "flat")

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

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.ServiceKeypair == "" && c.ServiceKeypairPath == "" {
		errs = append(errs, fmt.Errorf("ServiceKeypair or ServiceKeypairPath is required"))
	}

	if c.SignTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SignTimeout must be positive"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"NetworkSampleInterval": c.NetworkSampleInterval,
		"WalletPollInterval":    c.WalletPollInterval,
		"AlertPollInterval":     c.AlertPollInterval,
	} {
		if d < time.Second {
			errs = append(errs, fmt.Errorf("%s must be at least 1 second", name))
		}
	}

	if c.NetworkHistoryWindow < c.NetworkSampleInterval {
		errs = append(errs, fmt.Errorf("NetworkHistoryWindow cannot be shorter than NetworkSampleInterval"))
	}

	if c.PayoutPolicy != "flat" && c.PayoutPolicy != "pro-rata" {
		errs = append(errs, fmt.Errorf("PayoutPolicy must be 'flat' or 'pro-rata', got %q", c.PayoutPolicy))
	}

	if c.PayoutPolicy == "flat" && c.PayoutMultiplier < 1 {
		errs = append(errs, fmt.Errorf("PayoutMultiplier must be at least 1"))
	}

	if c.PayoutMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PayoutMaxAttempts must be at least 1"))
	}

	if c.CacheMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("CacheMaxEntries must be at least 1"))
	}

	if c.PriceRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("PriceRatePerSec must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// TemporalEnabled reports whether payouts should run through Temporal.
func (c *Config) TemporalEnabled() bool {
	return c.TemporalHost != ""
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

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
