package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rotation")
	t.Setenv("SHOPIFY_SHOPS", "demo.myshopify.com=shpat_1, Other.myshopify.com = shpat_2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, 60*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoff)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 3, cfg.CreateConcurrency)
	assert.Equal(t, time.Duration(0), cfg.TickInterval)
	assert.Equal(t, map[string]string{
		"demo.myshopify.com":  "shpat_1",
		"other.myshopify.com": "shpat_2",
	}, cfg.ShopTokens)
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ROTATION_DATABASE_URL", "")
	t.Setenv("SHOPIFY_SHOPS", "demo.myshopify.com=tok")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsMalformedShops(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rotation")
	t.Setenv("SHOPIFY_SHOPS", "demo.myshopify.com")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROTATION_DATABASE_URL", "postgres://db/rotation")
	t.Setenv("SHOPIFY_SHOPS", "demo.myshopify.com=tok")
	t.Setenv("ROTATION_LEASE_MINUTES", "30")
	t.Setenv("ROTATION_WORKERS", "8")
	t.Setenv("ROTATION_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ROTATION_STREAMER_POLL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/rotation", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 500*time.Millisecond, cfg.StreamerPoll)
}

func TestDebugTokenNeedsValue(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rotation")
	t.Setenv("SHOPIFY_SHOPS", "demo.myshopify.com=tok")
	t.Setenv("ROTATION_ALLOW_DEBUG_TOKEN", "true")
	t.Setenv("ROTATION_DEBUG_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
}
