package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/groupbuy/internal/blob/s3"
	"github.com/alanyoungcy/groupbuy/internal/cache/local"
	"github.com/alanyoungcy/groupbuy/internal/cache/redis"
	"github.com/alanyoungcy/groupbuy/internal/config"
	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
	"github.com/alanyoungcy/groupbuy/internal/notify"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
	"github.com/alanyoungcy/groupbuy/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Gateway   domain.CampaignGateway
	Products  ledger.ProductLookup
	Catalog   domain.CatalogStore
	Reconcile domain.ReconcileStore
	Audit     domain.AuditStore

	// Caches and coordination
	CampaignCache domain.CampaignCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	EventBus      domain.EventBus

	// Archiver is nil unless the archive job is enabled or requested.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probe external dependencies for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// needsS3 returns true when the configuration requires object storage.
func needsS3(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Mode, "archive") || (cfg.Archive.Enabled && cfg.UsesPostgres())
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		HealthChecks: make(map[string]handler.HealthCheck),
		Notifier:     newNotifier(cfg, logger),
	}

	if !cfg.UsesPostgres() {
		wireMemory(deps, cfg)
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Gateway = postgres.NewCampaignGateway(pool)
	catalog := postgres.NewCatalogStore(pool)
	deps.Products = catalog
	deps.Catalog = catalog
	reconcile := postgres.NewReconcileStore(pool)
	deps.Reconcile = reconcile
	deps.Audit = postgres.NewAuditStore(pool)
	deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.CampaignCache = redis.NewCampaignCache(redisClient, cfg.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- S3 blob storage (only when archiving) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), reconcile, deps.Audit)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}

// wireMemory backs every dependency with process-local implementations and
// seeds the demo catalog.
func wireMemory(deps *Dependencies, cfg *config.Config) {
	store := memory.New()
	for _, p := range demoProducts {
		store.PutProduct(p)
	}
	deps.Gateway = store
	deps.Products = store
	deps.Catalog = store
	deps.Reconcile = store
	deps.Audit = store

	deps.CampaignCache = local.NewCampaignCache(cfg.CacheTTL.Duration)
	deps.RateLimiter = local.NewRateLimiter()
	deps.LockManager = local.NewLockManager()
	deps.EventBus = local.NewEventBus()
}

// demoProducts mirrors the rows seeded by the Postgres migrations.
var demoProducts = []domain.Product{
	{ID: "8a0f2c1e-4b7d-4e0a-9a51-0d6f2f7f0001", Name: "Single-origin coffee beans 1kg", Description: "Washed Ethiopian, roasted to order.", PriceCents: 2890},
	{ID: "8a0f2c1e-4b7d-4e0a-9a51-0d6f2f7f0002", Name: "Cast iron skillet 28cm", Description: "Pre-seasoned, oven safe.", PriceCents: 4500},
	{ID: "8a0f2c1e-4b7d-4e0a-9a51-0d6f2f7f0003", Name: "Organic olive oil 5L", Description: "Cold pressed, harvest of the current season.", PriceCents: 6200},
}

func newNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Notify.Events, logger)
}
