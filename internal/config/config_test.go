package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultProcessingDeadline, cfg.ProcessingDeadline)
	assert.Equal(t, DefaultPendingTTL, cfg.PendingTTL)
	assert.Equal(t, int64(DefaultBasePointsPerUnit), cfg.BasePointsPerUnit)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingWebhookSecret(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_WEBHOOK_SECRET")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("PROCESSING_DEADLINE", "30s")
	t.Setenv("PENDING_TTL", "1h")
	t.Setenv("BASE_POINTS_PER_UNIT", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 30*time.Second, cfg.ProcessingDeadline)
	assert.Equal(t, time.Hour, cfg.PendingTTL)
	assert.Equal(t, int64(25), cfg.BasePointsPerUnit)
}

func TestValidate_BadDurations(t *testing.T) {
	cfg := &Config{
		ProviderWebhookSecret: "whsec_test",
		ProcessingDeadline:    0,
		PendingTTL:            time.Hour,
		BasePointsPerUnit:     10,
	}
	assert.Error(t, cfg.Validate())

	cfg.ProcessingDeadline = time.Second
	cfg.PendingTTL = -time.Hour
	assert.Error(t, cfg.Validate())

	cfg.PendingTTL = time.Hour
	cfg.BasePointsPerUnit = 0
	assert.Error(t, cfg.Validate())

	cfg.BasePointsPerUnit = 10
	assert.NoError(t, cfg.Validate())
}
