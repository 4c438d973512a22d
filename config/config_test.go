package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/config"
	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 15*time.Second, cfg.AppReadTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("APP_ENV", "production")
	t.Setenv("SCHEDULER_INTERVAL", "10m")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("BILLING_PARALLELISM", "8")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 10*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 8, cfg.BillingParallelism)
}

func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &config.Config{StoreDriver: config.DriverPostgres, RetryAttempts: 1, BillingParallelism: 1}
	assert.Error(t, cfg.Validate(), "postgres without DSN")

	cfg.PGDSN = "postgres://localhost/ledger"
	assert.NoError(t, cfg.Validate())

	cfg.RetryAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	log, err := config.NewLogger(&config.Config{LogFormat: "json", LogLevel: "warn"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = config.NewLogger(&config.Config{LogLevel: "loud"})
	assert.Error(t, err)
}
