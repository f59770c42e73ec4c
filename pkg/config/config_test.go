package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearGuthwineEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "MASTER_KEY_SECRET", "MASTER_KEY_SALT",
		"MANDATE_DEFAULT_TTL_SECONDS", "MANDATE_MAX_TTL_SECONDS", "MANDATE_ACCEPT_LEGACY",
		"DELEGATION_DEFAULT_TTL_SECONDS", "DELEGATION_MAX_DEPTH",
		"RATE_LIMIT_WINDOW_MS", "RATE_LIMIT_MAX_AMOUNT", "RATE_LIMIT_MAX_TRANSACTIONS",
		"ANOMALY_WINDOW_MINUTES", "ANOMALY_VELOCITY_THRESHOLD", "ANOMALY_SPEND_RATE_THRESHOLD", "ANOMALY_AUTO_FREEZE",
		"SEMANTIC_ENABLED", "SEMANTIC_THRESHOLD", "SEMANTIC_CACHE_TTL_SECONDS",
		"AUDIT_RETENTION_YEARS", "AUDIT_MERKLE_INTERVAL_SECONDS", "GLOBAL_FREEZE_ENABLED",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_DefaultsWhenEnvAbsent(t *testing.T) {
	clearGuthwineEnv(t)
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.MandateDefaultTTL)
	assert.Equal(t, 10, cfg.DelegationMaxDepth)
	assert.False(t, cfg.MandateAcceptLegacy)
	assert.True(t, cfg.AnomalyAutoFreeze)
	assert.Equal(t, 7, cfg.AuditRetentionYears)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearGuthwineEnv(t)
	os.Setenv("PORT", "9090")
	os.Setenv("DELEGATION_MAX_DEPTH", "3")
	os.Setenv("MANDATE_ACCEPT_LEGACY", "true")
	os.Setenv("RATE_LIMIT_MAX_AMOUNT", "2500.5")
	defer clearGuthwineEnv(t)

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.DelegationMaxDepth)
	assert.True(t, cfg.MandateAcceptLegacy)
	assert.Equal(t, 2500.5, cfg.RateLimitMaxAmount)
}

func TestLoad_InvalidNumericFallsBackToDefault(t *testing.T) {
	clearGuthwineEnv(t)
	os.Setenv("DELEGATION_MAX_DEPTH", "not-a-number")
	defer clearGuthwineEnv(t)

	cfg := Load()
	assert.Equal(t, 10, cfg.DelegationMaxDepth)
}
