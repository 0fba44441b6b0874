package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       string
	HTTPPort          string
	HTTPDrainTimeout  time.Duration
	DatabaseURL       string
	DatabaseMigrate   bool
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ServiceName       string
	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
	TraceSampleRatio  float64

	Sync       SyncConfig
	Retry      RetryConfig
	HubSpot    ProviderConfig
	Salesforce ProviderConfig
}

// SyncConfig bounds a single sync invocation.
type SyncConfig struct {
	DefaultPageLimit int
	PageSize         int
	LeaseTTL         time.Duration
	ProviderRPS      float64
	ProviderBurst    int
}

// RetryConfig bounds retries of retryable upstream failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ProviderConfig holds the OAuth client and API endpoints of one CRM.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
	APIVersion   string
}

// Configured reports whether refresh grants can be performed.
func (p ProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.TokenURL != ""
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:       getEnv("APP_ENV", "development"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		HTTPDrainTimeout:  getDuration("HTTP_DRAIN_TIMEOUT", 2*time.Minute),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseMigrate:   getBool("DATABASE_MIGRATE", true),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		ServiceName:       getEnv("SERVICE_NAME", "valora-crmsync"),
		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:  getFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		Sync: SyncConfig{
			DefaultPageLimit: getInt("SYNC_DEFAULT_PAGE_LIMIT", 2),
			PageSize:         getInt("SYNC_PAGE_SIZE", 100),
			LeaseTTL:         getDuration("SYNC_LEASE_TTL", 10*time.Minute),
			ProviderRPS:      getFloat("PROVIDER_RATE_LIMIT_RPS", 10),
			ProviderBurst:    getInt("PROVIDER_RATE_LIMIT_BURST", 5),
		},
		Retry: RetryConfig{
			MaxAttempts:     getInt("RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: getDuration("RETRY_INITIAL_INTERVAL", 250*time.Millisecond),
			MaxInterval:     getDuration("RETRY_MAX_INTERVAL", 5*time.Second),
		},
		HubSpot: ProviderConfig{
			ClientID:     strings.TrimSpace(os.Getenv("HUBSPOT_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("HUBSPOT_CLIENT_SECRET")),
			TokenURL:     getEnv("HUBSPOT_TOKEN_URL", "https://api.hubapi.com/oauth/v1/token"),
			APIBaseURL:   getEnv("HUBSPOT_API_BASE_URL", "https://api.hubapi.com"),
		},
		Salesforce: ProviderConfig{
			ClientID:     strings.TrimSpace(os.Getenv("SALESFORCE_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("SALESFORCE_CLIENT_SECRET")),
			TokenURL:     getEnv("SALESFORCE_TOKEN_URL", "https://login.salesforce.com/services/oauth2/token"),
			APIVersion:   getEnv("SALESFORCE_API_VERSION", "v59.0"),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.Sync.DefaultPageLimit < 1 {
		cfg.Sync.DefaultPageLimit = 1
	}
	if cfg.Sync.PageSize <= 0 || cfg.Sync.PageSize > 100 {
		cfg.Sync.PageSize = 100
	}
	if cfg.HTTPDrainTimeout <= 0 {
		cfg.HTTPDrainTimeout = 15 * time.Second
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		cfg.TraceSampleRatio = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
