package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 2*time.Second, cfg.Database.AcquireTimeout)
	assert.Equal(t, 10*time.Second, cfg.Payment.AuthorizationTimeout)
	assert.Equal(t, "points-events", cfg.EventsTopic)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 4, cfg.Webhook.MaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_MAX_OPEN_CONNS", "8")
	t.Setenv("PAYMENT_BREAKER_RESET", "1m")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Database.MaxOpenConns)
	assert.Equal(t, time.Minute, cfg.Payment.BreakerReset)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Contains(t, cfg.Database.GetDSN(), "host=db.internal")
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown driver", "STORE_DRIVER", "mysql"},
		{"zero pool", "DB_MAX_OPEN_CONNS", "0"},
		{"malformed duration", "TENANT_CACHE_TTL", "soon"},
		{"no webhook attempts", "WEBHOOK_MAX_ATTEMPTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("debug", "text")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = NewLogger("nonsense", "json")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
