package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the points core service
type Config struct {
	// Server configuration
	Port string
	Env  string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL      string
	RedisPassword string

	// Shared secret for capability tokens issued by the queue service
	QueueTokenSecret string
	// Maximum accepted capability token lifetime
	CapabilityTokenTTL time.Duration

	// Shared secret for identity-service tokens on the API surface
	IdentityTokenSecret string

	// Shared secret for inbound webhook signatures
	WebhookSecret string

	// Default currency recorded on ledger entries
	DefaultCurrency string

	// Optimistic concurrency control
	MaxRetryAttempts int
	RetryBackoff     time.Duration

	// Idempotency record horizons
	IdempotencyTTL       time.Duration // operational replay window
	IdempotencyRetention time.Duration // compliance retention

	// Event bus
	EventDedupTTL       time.Duration
	EventHandlerRetries int

	// Balance snapshot cache
	BalanceCacheSize int
	BalanceCacheTTL  time.Duration

	// Ingest worker
	IngestPollInterval    time.Duration
	IngestMaxConcurrent   int
	IngestMaxRetries      int
	IngestInitialDelay    time.Duration
	IngestMaxDelay        time.Duration
	IngestBackoffMultiple int

	// Reservations
	ReservationDefaultTTL time.Duration
	ReservationSweepEvery time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		QueueTokenSecret:    getEnv("QUEUE_TOKEN_SECRET", ""),
		CapabilityTokenTTL:  getEnvAsDuration("CAPABILITY_TOKEN_TTL", 5*time.Minute),
		IdentityTokenSecret: getEnv("IDENTITY_TOKEN_SECRET", ""),
		WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", "points"),

		MaxRetryAttempts: getEnvAsInt("OCC_MAX_RETRY_ATTEMPTS", 3),
		RetryBackoff:     getEnvAsDuration("OCC_RETRY_BACKOFF", 100*time.Millisecond),

		IdempotencyTTL:       getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyRetention: getEnvAsDuration("IDEMPOTENCY_RETENTION", 7*365*24*time.Hour),

		EventDedupTTL:       getEnvAsDuration("EVENT_DEDUP_TTL", time.Hour),
		EventHandlerRetries: getEnvAsInt("EVENT_HANDLER_RETRIES", 3),

		BalanceCacheSize: getEnvAsInt("BALANCE_CACHE_SIZE", 10000),
		BalanceCacheTTL:  getEnvAsDuration("BALANCE_CACHE_TTL", time.Hour),

		IngestPollInterval:    getEnvAsDuration("INGEST_POLL_INTERVAL", 5*time.Second),
		IngestMaxConcurrent:   getEnvAsInt("INGEST_MAX_CONCURRENT_JOBS", 10),
		IngestMaxRetries:      getEnvAsInt("INGEST_MAX_RETRY_ATTEMPTS", 3),
		IngestInitialDelay:    getEnvAsDuration("INGEST_INITIAL_RETRY_DELAY", time.Second),
		IngestMaxDelay:        getEnvAsDuration("INGEST_MAX_RETRY_DELAY", 60*time.Second),
		IngestBackoffMultiple: getEnvAsInt("INGEST_RETRY_BACKOFF_MULTIPLIER", 2),

		ReservationDefaultTTL: getEnvAsDuration("RESERVATION_DEFAULT_TTL", 300*time.Second),
		ReservationSweepEvery: getEnvAsDuration("RESERVATION_SWEEP_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and sane
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueTokenSecret == "" {
		return fmt.Errorf("QUEUE_TOKEN_SECRET is required")
	}

	if len(c.QueueTokenSecret) < 32 {
		return fmt.Errorf("QUEUE_TOKEN_SECRET must be at least 32 characters long")
	}

	// Webhook secret is required in production but optional in development
	if c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	if c.IdentityTokenSecret == "" && c.IsProduction() {
		return fmt.Errorf("IDENTITY_TOKEN_SECRET is required in production")
	}

	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("OCC_MAX_RETRY_ATTEMPTS must be at least 1")
	}

	if c.IngestBackoffMultiple < 1 {
		return fmt.Errorf("INGEST_RETRY_BACKOFF_MULTIPLIER must be at least 1")
	}

	if c.BalanceCacheSize < 1 {
		return fmt.Errorf("BALANCE_CACHE_SIZE must be positive")
	}

	if c.CapabilityTokenTTL > 5*time.Minute {
		return fmt.Errorf("CAPABILITY_TOKEN_TTL must not exceed 5 minutes")
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

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
