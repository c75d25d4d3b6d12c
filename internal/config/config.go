// Package config loads and validates garage configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Error log backend. Postgres URLs use pgx; "sqlite:" and "file:" URLs
	// use the embedded SQLite driver.
	DatabaseURL string

	// Sidecar telemetry channel.
	SidecarURL           string // Empty disables outbound event emission.
	SidecarEmbedded      bool   // Mount the /sidecar sink on this server.
	SidecarBufferSize    int
	SidecarFlushInterval time.Duration

	// Orchestration settings.
	DefaultStepTimeout   time.Duration
	DelegateLatencyScale float64 // Multiplier on simulated agent latency; 0 disables sleeping.
	ActiveLimit          int     // Max concurrently tracked invocations.
	ActiveBay            string  // Informational: the provider bay this process fronts.

	// Per-client limit on run and invoke requests. Zero RateLimitRPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("GARAGE_PORT", 7001)
	collect(err)
	cfg.ReadTimeout, err = envDuration("GARAGE_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("GARAGE_WRITE_TIMEOUT", 10*time.Minute)
	collect(err)
	bodyBytes, err := envInt("GARAGE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(bodyBytes)

	cfg.DatabaseURL = envStr("DATABASE_URL", "sqlite:garage.db")

	cfg.SidecarURL = strings.TrimRight(envStr("SIDECAR_URL", ""), "/")
	cfg.SidecarEmbedded, err = envBool("GARAGE_SIDECAR_EMBEDDED", false)
	collect(err)
	cfg.SidecarBufferSize, err = envInt("GARAGE_SIDECAR_BUFFER_SIZE", 1000)
	collect(err)
	cfg.SidecarFlushInterval, err = envDuration("GARAGE_SIDECAR_FLUSH_INTERVAL", 500*time.Millisecond)
	collect(err)

	cfg.DefaultStepTimeout, err = envDuration("GARAGE_DEFAULT_STEP_TIMEOUT", 120*time.Second)
	collect(err)
	cfg.DelegateLatencyScale, err = envFloat("GARAGE_DELEGATE_LATENCY_SCALE", 1.0)
	collect(err)
	cfg.ActiveLimit, err = envInt("GARAGE_ACTIVE_LIMIT", 1024)
	collect(err)
	cfg.ActiveBay = envStr("GARAGE_ACTIVE_BAY", "frontend")
	cfg.RateLimitRPS, err = envFloat("GARAGE_RATE_LIMIT_RPS", 0)
	collect(err)
	cfg.RateLimitBurst, err = envInt("GARAGE_RATE_LIMIT_BURST", 20)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "garage-mcp")
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	cfg.LogLevel = envStr("GARAGE_LOG_LEVEL", "info")

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: GARAGE_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: GARAGE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SidecarBufferSize <= 0 {
		return fmt.Errorf("config: GARAGE_SIDECAR_BUFFER_SIZE must be positive")
	}
	if c.SidecarFlushInterval <= 0 {
		return fmt.Errorf("config: GARAGE_SIDECAR_FLUSH_INTERVAL must be positive")
	}
	if c.DefaultStepTimeout <= 0 {
		return fmt.Errorf("config: GARAGE_DEFAULT_STEP_TIMEOUT must be positive")
	}
	if c.DelegateLatencyScale < 0 {
		return fmt.Errorf("config: GARAGE_DELEGATE_LATENCY_SCALE must not be negative")
	}
	if c.ActiveLimit <= 0 {
		return fmt.Errorf("config: GARAGE_ACTIVE_LIMIT must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: GARAGE_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: GARAGE_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
