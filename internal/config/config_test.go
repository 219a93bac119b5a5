package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SERVICE_NAME", "PORT", "STORE_BACKEND", "DEFAULT_OWNER", "ALLOW_DEV_HEADER", "RATE_LIMIT_RPS"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "author-inventory", cfg.ServiceName)
	assert.Equal(t, "3002", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Empty(t, cfg.DefaultOwner)
	assert.True(t, cfg.AllowDevHeader)
	assert.Equal(t, 50.0, cfg.RateLimitRPS)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Pebble")
	t.Setenv("DEFAULT_OWNER", "public")
	t.Setenv("ALLOW_DEV_HEADER", "false")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")

	cfg := Load()
	assert.Equal(t, BackendPebble, cfg.StoreBackend)
	assert.Equal(t, "public", cfg.DefaultOwner)
	assert.False(t, cfg.AllowDevHeader)
	assert.Equal(t, 7, cfg.RateLimitBurst)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50.0, cfg.RateLimitRPS)
}

func TestStoreOptionsAndSyncSettings(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/inv")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("API_URL", "")

	cfg := Load()
	opts := cfg.StoreOptions()
	assert.Equal(t, BackendPostgres, opts.Backend)
	assert.Equal(t, "postgres://u:p@db:5432/inv", opts.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, "http://localhost:3002", cfg.APIURL)
}
