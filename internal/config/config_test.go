package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pooling/internal/pricing"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10.0, cfg.Matching.SearchRadiusKm)
	assert.Equal(t, 20, cfg.Matching.CandidateLimit)
	assert.Equal(t, 10.0, cfg.Pricing.BasePrice)
	assert.Equal(t, 40.0, cfg.RouteSpeedKm)
	assert.Equal(t, 30*time.Minute, cfg.PendingTTL)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("MATCH_SEARCH_RADIUS_KM", "7.5")
	t.Setenv("PRICE_PER_KM", "2.25")
	t.Setenv("PRICING_TIMEZONE", "Asia/Kolkata")
	t.Setenv("PENDING_TTL", "45m")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, 7.5, cfg.Matching.SearchRadiusKm)
	assert.Equal(t, 2.25, cfg.Pricing.PricePerKm)
	assert.Equal(t, "Asia/Kolkata", cfg.Pricing.Location.String())
	assert.Equal(t, 45*time.Minute, cfg.PendingTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_CANDIDATE_LIMIT", "0")
	t.Setenv("PRICE_SHARED_DISCOUNT", "1.5")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCH_CANDIDATE_LIMIT")
	assert.Contains(t, err.Error(), "PRICE_SHARED_DISCOUNT")
}

func TestLoadPricingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	body := "base_price: 12\nprice_per_km: 2.5\ndiscount_codes:\n  WINTER5: 0.05\n  Pool20: 0.2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg := pricing.DefaultConfig()
	require.NoError(t, LoadPricingFile(path, &cfg))
	assert.Equal(t, 12.0, cfg.BasePrice)
	assert.Equal(t, 2.5, cfg.PricePerKm)
	assert.Equal(t, 0.3, cfg.SharedDiscount)
	assert.Equal(t, map[string]float64{"WINTER5": 0.05, "POOL20": 0.2}, cfg.DiscountCodes)
}

func TestLoadPricingFileRejectsBadDiscount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discount_codes:\n  HALF: 1.5\n"), 0o600))
	cfg := pricing.DefaultConfig()
	assert.Error(t, LoadPricingFile(path, &cfg))
}

func TestLoadServerConfigMissingPricingFile(t *testing.T) {
	t.Setenv("PRICING_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadServerConfig()
	assert.Error(t, err)
}
