package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CheeseBout/storefront-checkout/internal/config"
)

func TestLoadRequiresCoreVars(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{
		"REDIS_URL":        "",
		"JWT_SECRET":       "",
		"BACKEND_BASE_URL": "",
	})
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"REDIS_URL":        "redis://localhost:6379/0",
		"JWT_SECRET":       "test-secret",
		"BACKEND_BASE_URL": "https://api.example.com/",
		"PORT":             "",
	})
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "/payment-result", cfg.GatewayReturnPath)
	require.Equal(t, "vnp_", cfg.GatewayParamPrefix)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, "https://api.example.com", cfg.BackendBaseURL)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"REDIS_URL":            "redis://localhost:6379/0",
		"JWT_SECRET":           "test-secret",
		"BACKEND_BASE_URL":     "https://api.example.com",
		"PORT":                 "9090",
		"GATEWAY_RETURN_PATH":  "/payments/return",
		"CHECKOUT_SESSION_TTL": "5m",
		"CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
		"NAV_RATE_MAX":         "10",
	})
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, "/payments/return", cfg.GatewayReturnPath)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	require.Equal(t, 10, cfg.NavRateMax)
}
