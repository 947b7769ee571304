package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	// External auth provider token validation.
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	AuthClockSkew time.Duration

	// Storefront backend REST API.
	BackendBaseURL      string
	BackendServiceToken string
	OutboundTimeout     time.Duration

	// Payment gateway return URL shape.
	GatewayReturnPath  string
	GatewayParamPrefix string

	// Reconciler session registry.
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration

	// Navigation endpoint rate limiting.
	NavRateWindow time.Duration
	NavRateMax    int

	// Outbound resilience.
	CircuitBackendMinReq      int
	CircuitBackendFailureRate float64
	CircuitBackendOpenFor     time.Duration
	RetryBase                 time.Duration
	RetryMaxAttempts          int
	RetryJitterPercent        float64

	// Deferred cart finalization queue.
	QueueRedisPrefix       string
	QueueMaxAttempts       int
	QueueVisibilityTimeout time.Duration
	QueueConcurrency       int
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	FinalizeRetryDelay     time.Duration

	// Distributed lock for finalization.
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		JWTSecret:     k.String("JWT_SECRET"),
		JWTIssuer:     strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:   strings.TrimSpace(k.String("JWT_AUDIENCE")),
		AuthClockSkew: parseDuration(k.String("AUTH_CLOCK_SKEW"), "30s"),

		BackendBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("BACKEND_BASE_URL")), "/"),
		BackendServiceToken: strings.TrimSpace(k.String("BACKEND_SERVICE_TOKEN")),
		OutboundTimeout:     parseDuration(k.String("BACKEND_TIMEOUT"), "10s"),

		GatewayReturnPath:  valueOrDefault(k.String("GATEWAY_RETURN_PATH"), "/payment-result"),
		GatewayParamPrefix: valueOrDefault(k.String("GATEWAY_PARAM_PREFIX"), "vnp_"),

		SessionTTL:     parseDuration(k.String("CHECKOUT_SESSION_TTL"), "30m"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		NavRateWindow: parseDuration(k.String("NAV_RATE_WINDOW"), "1m"),
		NavRateMax:    intOrDefault(k.Int("NAV_RATE_MAX"), 120),

		CircuitBackendMinReq:      intOrDefault(k.Int("CIRCUIT_BACKEND_MIN_REQUESTS"), 10),
		CircuitBackendFailureRate: floatOrDefault(k.Float64("CIRCUIT_BACKEND_FAILURE_RATE"), 0.5),
		CircuitBackendOpenFor:     parseDuration(k.String("CIRCUIT_BACKEND_OPEN_FOR"), "30s"),
		RetryBase:                 parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:          intOrDefault(k.Int("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent:        floatOrDefault(k.Float64("RETRY_JITTER_PERCENT"), 0.2),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "storefront"),
		QueueMaxAttempts:       intOrDefault(k.Int("QUEUE_MAX_ATTEMPTS"), 10),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueConcurrency:       intOrDefault(k.Int("QUEUE_CONCURRENCY"), 4),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     floatOrDefault(k.Float64("QUEUE_BACKOFF_JITTER"), 0.2),
		FinalizeRetryDelay:     parseDuration(k.String("FINALIZE_RETRY_DELAY"), "10s"),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.BackendBaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func floatOrDefault(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
