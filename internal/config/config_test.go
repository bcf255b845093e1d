package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_PORT", "8081")
	t.Setenv("RATE_MAX", "not-a-number")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")

	cfg := LoadConfig()

	assert.Equal(t, ":8081", cfg.Addr())
	assert.Equal(t, 5, cfg.RateMax)
	assert.Equal(t, time.Hour, cfg.RateWindow)
	assert.Equal(t, 5*time.Second, cfg.CreateTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.StatusCacheTTL)
	assert.False(t, cfg.SMTPEnabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("RATE_WINDOW", "10m")
	t.Setenv("ORDER_PAYMENT_WINDOW", "45m")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "shop@example.com")

	cfg := LoadConfig()

	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 10*time.Minute, cfg.RateWindow)
	assert.Equal(t, 45*time.Minute, cfg.PaymentWindow)
	assert.True(t, cfg.SMTPEnabled())
}

func TestProductionRequiresJWTSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	cfg := LoadConfig()
	assert.Empty(t, cfg.JWTSecret)
	assert.ErrorIs(t, cfg.Validate(), ErrMissingJWTSecret)

	cfg.JWTSecret = devJWTSecret
	assert.ErrorIs(t, cfg.Validate(), ErrMissingJWTSecret, "the development secret is not accepted")

	t.Setenv("JWT_SECRET", "9f2c6d0e4b8a7f1e3d5c")
	assert.NoError(t, LoadConfig().Validate())
}

func TestDevelopmentFallsBackToDevSecret(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "")

	cfg := LoadConfig()
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.NoError(t, cfg.Validate())
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")

	cfg := LoadConfig()
	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
	}, prefixes)

	cfg.TrustedProxies = []string{"not-an-ip"}
	assert.Error(t, cfg.Validate())
}
