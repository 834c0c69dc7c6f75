package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GROUPBUY_* environment variable overrides, and
// returns the final Config. A missing file is not an error, so the service
// can run from defaults and environment alone. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GROUPBUY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GROUPBUY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GROUPBUY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GROUPBUY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GROUPBUY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GROUPBUY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GROUPBUY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GROUPBUY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GROUPBUY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GROUPBUY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GROUPBUY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GROUPBUY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GROUPBUY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GROUPBUY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GROUPBUY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GROUPBUY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GROUPBUY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "GROUPBUY_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GROUPBUY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GROUPBUY_S3_REGION")
	setStr(&cfg.S3.Bucket, "GROUPBUY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GROUPBUY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GROUPBUY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GROUPBUY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GROUPBUY_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setInt(&cfg.Ledger.MaxAttempts, "GROUPBUY_LEDGER_MAX_ATTEMPTS")
	setInt(&cfg.Ledger.CompensationAttempts, "GROUPBUY_LEDGER_COMPENSATION_ATTEMPTS")
	setDuration(&cfg.Ledger.CallTimeout, "GROUPBUY_LEDGER_CALL_TIMEOUT")
	setDuration(&cfg.Ledger.BaseBackoff, "GROUPBUY_LEDGER_BASE_BACKOFF")
	setDuration(&cfg.Ledger.MaxBackoff, "GROUPBUY_LEDGER_MAX_BACKOFF")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "GROUPBUY_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "GROUPBUY_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.LockTTL, "GROUPBUY_RECONCILE_LOCK_TTL")
	setDuration(&cfg.Reconcile.ConfirmDelay, "GROUPBUY_RECONCILE_CONFIRM_DELAY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "GROUPBUY_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "GROUPBUY_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "GROUPBUY_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GROUPBUY_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GROUPBUY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GROUPBUY_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GROUPBUY_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit.Requests, "GROUPBUY_SERVER_RATE_LIMIT_REQUESTS")
	setDuration(&cfg.Server.RateLimit.Window, "GROUPBUY_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GROUPBUY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GROUPBUY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GROUPBUY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GROUPBUY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GROUPBUY_MODE")
	setStr(&cfg.LogLevel, "GROUPBUY_LOG_LEVEL")
	setDuration(&cfg.CacheTTL, "GROUPBUY_CACHE_TTL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
