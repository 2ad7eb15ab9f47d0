// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for admin middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
	GetWebhookRateLimit() float64
	GetWebhookRateBurst() int
}

// SchedulerConfig provides the Redis/asynq connection settings.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// DispatchConfig provides queue and worker harness settings.
type DispatchConfig interface {
	SchedulerConfig
	GetCAPIQueueName() string
	GetOfflineQueueName() string
	GetDispatchConcurrency() int
	GetDispatchMaxRetry() int
	GetDispatchBackoffBase() time.Duration
	GetDispatchBackoffMax() time.Duration
	GetOutboxRelayInterval() time.Duration
	GetOutboxBatchSize() int
	GetOpsAddr() string
}

// CAPIConfig provides settings for the server-to-server pixel destination.
type CAPIConfig interface {
	GetCAPIBaseURL() string
	GetCAPIAPIVersion() string
	GetCAPITimeout() time.Duration
	GetCAPITaxonomyFile() string
}

// OfflineConfig provides settings for the click-conversion upload destination.
type OfflineConfig interface {
	GetOfflineBaseURL() string
	GetOfflineAPIVersion() string
	GetOfflineTokenURL() string
	GetOfflineTimeout() time.Duration
	GetTokenRefreshMargin() time.Duration
}

// CryptoConfig provides the secret used to derive at-rest encryption keys.
type CryptoConfig interface {
	GetPIIEncryptionSecret() string
}

// ValuationConfig provides orchestrator tuning.
type ValuationConfig interface {
	GetValuationLatencyBudget() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	OpsAddr                string
	DatabaseURL            string
	JWTAccessSecret        string
	CORSAllowAll           bool
	CORSOrigins            []string
	CORSAllowCreds         bool
	WebhookRateLimit       float64
	WebhookRateBurst       int
	RedisURL               string
	RedisTLSInsecure       bool
	CAPIQueueName          string
	OfflineQueueName       string
	DispatchConcurrency    int
	DispatchMaxRetry       int
	DispatchBackoffBase    time.Duration
	DispatchBackoffMax     time.Duration
	OutboxRelayInterval    time.Duration
	OutboxBatchSize        int
	CAPIBaseURL            string
	CAPIAPIVersion         string
	CAPITimeout            time.Duration
	CAPITaxonomyFile       string
	OfflineBaseURL         string
	OfflineAPIVersion      string
	OfflineTokenURL        string
	OfflineTimeout         time.Duration
	TokenRefreshMargin     time.Duration
	PIIEncryptionSecret    string
	ValuationLatencyBudget time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string          { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool        { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string     { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool      { return c.CORSAllowCreds }
func (c *Config) GetWebhookRateLimit() float64 { return c.WebhookRateLimit }
func (c *Config) GetWebhookRateBurst() int     { return c.WebhookRateBurst }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// DispatchConfig implementation
func (c *Config) GetCAPIQueueName() string              { return c.CAPIQueueName }
func (c *Config) GetOfflineQueueName() string           { return c.OfflineQueueName }
func (c *Config) GetDispatchConcurrency() int           { return c.DispatchConcurrency }
func (c *Config) GetDispatchMaxRetry() int              { return c.DispatchMaxRetry }
func (c *Config) GetDispatchBackoffBase() time.Duration { return c.DispatchBackoffBase }
func (c *Config) GetDispatchBackoffMax() time.Duration  { return c.DispatchBackoffMax }
func (c *Config) GetOutboxRelayInterval() time.Duration { return c.OutboxRelayInterval }
func (c *Config) GetOutboxBatchSize() int               { return c.OutboxBatchSize }
func (c *Config) GetOpsAddr() string                    { return c.OpsAddr }

// CAPIConfig implementation
func (c *Config) GetCAPIBaseURL() string        { return c.CAPIBaseURL }
func (c *Config) GetCAPIAPIVersion() string     { return c.CAPIAPIVersion }
func (c *Config) GetCAPITimeout() time.Duration { return c.CAPITimeout }
func (c *Config) GetCAPITaxonomyFile() string   { return c.CAPITaxonomyFile }

// OfflineConfig implementation
func (c *Config) GetOfflineBaseURL() string            { return c.OfflineBaseURL }
func (c *Config) GetOfflineAPIVersion() string         { return c.OfflineAPIVersion }
func (c *Config) GetOfflineTokenURL() string           { return c.OfflineTokenURL }
func (c *Config) GetOfflineTimeout() time.Duration     { return c.OfflineTimeout }
func (c *Config) GetTokenRefreshMargin() time.Duration { return c.TokenRefreshMargin }

// CryptoConfig implementation
func (c *Config) GetPIIEncryptionSecret() string { return c.PIIEncryptionSecret }

// ValuationConfig implementation
func (c *Config) GetValuationLatencyBudget() time.Duration { return c.ValuationLatencyBudget }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		OpsAddr:                getEnv("OPS_ADDR", ":9090"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		JWTAccessSecret:        getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:           corsAllowAll,
		CORSOrigins:            corsOrigins,
		CORSAllowCreds:         strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "false"), "true"),
		WebhookRateLimit:       mustFloat(getEnv("WEBHOOK_RATE_LIMIT", "20")),
		WebhookRateBurst:       mustInt(getEnv("WEBHOOK_RATE_BURST", "40")),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		CAPIQueueName:          getEnv("DISPATCH_CAPI_QUEUE", "dispatch:capi"),
		OfflineQueueName:       getEnv("DISPATCH_OFFLINE_QUEUE", "dispatch:offline"),
		DispatchConcurrency:    mustInt(getEnv("DISPATCH_CONCURRENCY", "5")),
		DispatchMaxRetry:       mustInt(getEnv("DISPATCH_MAX_RETRY", "8")),
		DispatchBackoffBase:    mustDuration(getEnv("DISPATCH_BACKOFF_BASE", "10s")),
		DispatchBackoffMax:     mustDuration(getEnv("DISPATCH_BACKOFF_MAX", "1h")),
		OutboxRelayInterval:    mustDuration(getEnv("OUTBOX_RELAY_INTERVAL", "2s")),
		OutboxBatchSize:        mustInt(getEnv("OUTBOX_BATCH_SIZE", "50")),
		CAPIBaseURL:            getEnv("CAPI_BASE_URL", "https://graph.facebook.com"),
		CAPIAPIVersion:         getEnv("CAPI_API_VERSION", "v21.0"),
		CAPITimeout:            mustDuration(getEnv("CAPI_TIMEOUT", "10s")),
		CAPITaxonomyFile:       getEnv("CAPI_TAXONOMY_FILE", ""),
		OfflineBaseURL:         getEnv("OFFLINE_BASE_URL", "https://googleads.googleapis.com"),
		OfflineAPIVersion:      getEnv("OFFLINE_API_VERSION", "v17"),
		OfflineTokenURL:        getEnv("OFFLINE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OfflineTimeout:         mustDuration(getEnv("OFFLINE_TIMEOUT", "10s")),
		TokenRefreshMargin:     mustDuration(getEnv("TOKEN_REFRESH_MARGIN", "5m")),
		PIIEncryptionSecret:    getEnv("PII_ENCRYPTION_SECRET", ""),
		ValuationLatencyBudget: mustDuration(getEnv("VALUATION_LATENCY_BUDGET", "100ms")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if len(cfg.PIIEncryptionSecret) < 32 {
		return nil, fmt.Errorf("PII_ENCRYPTION_SECRET must be at least 32 characters")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if cfg.DispatchConcurrency < 1 {
		cfg.DispatchConcurrency = 5
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
