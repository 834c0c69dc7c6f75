package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "memory"
cache_ttl = "10s"

[ledger]
max_attempts = 9
call_timeout = "750ms"

[server]
port = 9000
`), 0o600))

	t.Setenv("GROUPBUY_SERVER_PORT", "9100")
	t.Setenv("GROUPBUY_NOTIFY_EVENTS", "reconcile.drift, campaign.full ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.CacheTTL.Duration)
	assert.Equal(t, 9, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Ledger.CallTimeout.Duration)
	assert.Equal(t, 8, cfg.Ledger.CompensationAttempts, "unset keys keep defaults")
	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, []string{"reconcile.drift", "campaign.full"}, cfg.Notify.Events)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoad_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = "), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"no postgres host", func(c *Config) { c.Postgres.Host = "" }, "postgres: host"},
		{"pool bounds", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns must not exceed"},
		{"no attempts", func(c *Config) { c.Ledger.MaxAttempts = 0 }, "max_attempts"},
		{"backoff order", func(c *Config) { c.Ledger.MaxBackoff.Duration = time.Millisecond }, "max_backoff"},
		{"bad cron", func(c *Config) { c.Archive.Enabled = true; c.Archive.Cron = "every day" }, "invalid cron"},
		{"archive in memory", func(c *Config) { c.Mode = "memory"; c.Archive.Enabled = true }, "not available in memory mode"},
		{"half telegram", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_token and telegram_chat_id"},
		{"rate limit window", func(c *Config) { c.Server.RateLimit.Window.Duration = 0 }, "rate_limit.window"},
		{"negative confirm delay", func(c *Config) { c.Reconcile.ConfirmDelay.Duration = -time.Second }, "confirm_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_MemoryModeSkipsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "memory"
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKey = "key"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "postgres://u:p@h/db", cfg.Postgres.DSN)

	out.Server.CORSOrigins[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
}
