// Package config provides configuration loading for the pipeline service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pipeline service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// Credit ledger configuration
	LedgerType     string // "memory" or "redis"
	DefaultCredits int64  // starting balance for unseen users

	// Artifact store configuration
	ArtifactStore   string // "memory" or "s3"
	S3Endpoint      string
	S3Bucket        string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	S3PathPrefix    string
	PresignedExpiry time.Duration

	// Provider configuration
	ProviderMode    string // "local" only; hosted providers are configured per deployment
	ProviderLatency time.Duration

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("PIPELINE_RUNSTORE", "memory"), // "memory" or "redis"
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Credits
		LedgerType:     getEnv("PIPELINE_LEDGER", "memory"), // "memory" or "redis"
		DefaultCredits: getInt64("DEFAULT_CREDITS", 100),

		// Artifacts
		ArtifactStore:   getEnv("ARTIFACT_STORE", "memory"), // "memory" or "s3"
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Bucket:        getEnv("S3_BUCKET", "pipeline-artifacts"),
		S3Region:        getEnv("S3_REGION", ""),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:        getBool("S3_USE_SSL", false),
		S3PathPrefix:    getEnv("S3_PATH_PREFIX", ""),
		PresignedExpiry: getDuration("PRESIGNED_EXPIRY", 24*time.Hour),

		// Providers
		ProviderMode:    getEnv("PROVIDER_MODE", "local"),
		ProviderLatency: getDuration("PROVIDER_LATENCY", 500*time.Millisecond),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: getBool("TRACING_ENABLED", false),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
