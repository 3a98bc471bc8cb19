// Package config loads runtime configuration from the environment and from
// the versioned pricing file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime settings for the engine.
type Config struct {
	BindAddr    string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	// Admission
	MaxPerIPPerDay   int
	ExternalDailyCap int
	CostCapMicroUSD  int64
	IPHashSecret     string

	// Local model pool
	LocalPoolSize      int
	LocalQueueCapacity int
	LocalModelPath     string
	LocalModelURL      string

	// External model
	ExternalAPIKey  string
	ExternalBaseURL string
	ExternalModel   string
	PricingFile     string

	// Retrieval
	ConnectionExpansion string

	// Stage and invocation timeouts, overridable per deployment.
	IntentTimeout     time.Duration
	SearchTimeout     time.Duration
	AnalyzeTimeout    time.Duration
	FormatTimeout     time.Duration
	InvocationTimeout time.Duration
	ExternalTimeout   time.Duration
	GenerationTimeout time.Duration
}

// Load reads .env (when present) and the environment, applying defaults and
// validating required settings.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		BindAddr:    getEnv("BIND_ADDR", ":7655"),
		DatabaseURL: getEnv("DATABASE_URL", "data/inquest.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "auto"),

		MaxPerIPPerDay:   getEnvInt("MAX_PER_IP_PER_DAY", 30),
		ExternalDailyCap: getEnvInt("EXTERNAL_DAILY_CAP", 200),
		CostCapMicroUSD:  getEnvInt64("COST_CAP_MICRO_USD", 5_000_000),
		IPHashSecret:     os.Getenv("IP_HASH_SECRET"),

		LocalPoolSize:      getEnvInt("LOCAL_POOL_SIZE", 2),
		LocalQueueCapacity: getEnvInt("LOCAL_QUEUE_CAPACITY", 16),
		LocalModelPath:     os.Getenv("LOCAL_MODEL_PATH"),
		LocalModelURL:      getEnv("LOCAL_MODEL_URL", "http://localhost:11434"),

		ExternalAPIKey:  os.Getenv("EXTERNAL_API_KEY"),
		ExternalBaseURL: getEnv("EXTERNAL_BASE_URL", "https://api.anthropic.com"),
		ExternalModel:   getEnv("EXTERNAL_MODEL", "claude-sonnet-4-20250514"),
		PricingFile:     getEnv("PRICING_FILE", "pricing.json"),

		ConnectionExpansion: getEnv("CONNECTION_EXPANSION", "with OR between OR meeting"),

		IntentTimeout:     getEnvDuration("INTENT_TIMEOUT", 8*time.Second),
		SearchTimeout:     getEnvDuration("SEARCH_TIMEOUT", 2*time.Second),
		AnalyzeTimeout:    getEnvDuration("ANALYZE_TIMEOUT", 60*time.Second),
		FormatTimeout:     getEnvDuration("FORMAT_TIMEOUT", 30*time.Second),
		InvocationTimeout: getEnvDuration("INVOCATION_TIMEOUT", 120*time.Second),
		ExternalTimeout:   getEnvDuration("EXTERNAL_TIMEOUT", 120*time.Second),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IPHashSecret == "" {
		return fmt.Errorf("IP_HASH_SECRET is required; raw client IPs are never persisted")
	}
	if c.LocalPoolSize < 1 {
		return fmt.Errorf("LOCAL_POOL_SIZE must be >= 1, got %d", c.LocalPoolSize)
	}
	if c.LocalQueueCapacity < 1 {
		return fmt.Errorf("LOCAL_QUEUE_CAPACITY must be >= 1, got %d", c.LocalQueueCapacity)
	}
	if c.MaxPerIPPerDay < 1 {
		return fmt.Errorf("MAX_PER_IP_PER_DAY must be >= 1, got %d", c.MaxPerIPPerDay)
	}
	if c.ExternalDailyCap < 0 {
		return fmt.Errorf("EXTERNAL_DAILY_CAP must be >= 0, got %d", c.ExternalDailyCap)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
