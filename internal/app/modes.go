package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/groupbuy/internal/ledger"
	"github.com/alanyoungcy/groupbuy/internal/pipeline"
	"github.com/alanyoungcy/groupbuy/internal/server"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/server/ws"
	"github.com/alanyoungcy/groupbuy/internal/service"
)

// services holds the application services built on top of the wired
// dependencies.
type services struct {
	campaigns *service.CampaignService
	catalog   *service.CatalogService
	reconcile *service.ReconcileService
}

func (a *App) buildServices(deps *Dependencies) services {
	l := ledger.New(deps.Gateway, deps.Products, ledger.Config{
		MaxAttempts:          a.cfg.Ledger.MaxAttempts,
		CompensationAttempts: a.cfg.Ledger.CompensationAttempts,
		CallTimeout:          a.cfg.Ledger.CallTimeout.Duration,
		BaseBackoff:          a.cfg.Ledger.BaseBackoff.Duration,
		MaxBackoff:           a.cfg.Ledger.MaxBackoff.Duration,
	}, a.logger)

	return services{
		campaigns: service.NewCampaignService(l, deps.CampaignCache, deps.EventBus, deps.Audit, deps.Notifier, a.logger),
		catalog:   service.NewCatalogService(deps.Catalog, deps.Gateway, deps.CampaignCache, a.logger),
		reconcile: service.NewReconcileService(
			deps.Reconcile, deps.LockManager, deps.Audit, deps.Notifier,
			a.cfg.Reconcile.LockTTL.Duration, a.cfg.Reconcile.ConfirmDelay.Duration, a.logger,
		),
	}
}

// ServerMode serves the HTTP API and WebSocket feed and runs the enabled
// background jobs until the context is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	svcs := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)

	started := false
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
		started = true
	}
	if orch := a.buildOrchestrator(deps, svcs); orch != nil {
		g.Go(func() error {
			return orch.Run(ctx)
		})
		started = true
	}

	if !started {
		a.logger.WarnContext(ctx, "server mode: HTTP server and background jobs are all disabled; idling")
		<-ctx.Done()
		return nil
	}
	return g.Wait()
}

// MemoryMode is ServerMode over process-local stores. State is lost on
// restart.
func (a *App) MemoryMode(ctx context.Context, deps *Dependencies) error {
	a.logger.WarnContext(ctx, "memory mode: campaigns and participations are not persisted")
	return a.ServerMode(ctx, deps)
}

// ReconcileMode runs a single reconciliation sweep and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	svcs := a.buildServices(deps)
	res, err := svcs.reconcile.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("reconcile mode: %w", err)
	}
	if res.Skipped {
		a.logger.InfoContext(ctx, "reconcile mode: another instance holds the sweep lock")
		return nil
	}
	if res.Pending > 0 {
		a.logger.InfoContext(ctx, "reconcile mode: unconfirmed drift, rerun to recheck", slog.Int("campaigns", res.Pending))
	}
	for _, d := range res.Drifts {
		a.logger.WarnContext(ctx, "reconcile mode: drift",
			slog.String("campaign_id", d.CampaignID),
			slog.Int("current_quantity", d.CurrentQuantity),
			slog.Int("participated", d.Participated),
			slog.Int("delta", d.Delta()),
		)
	}
	a.logger.InfoContext(ctx, "reconcile mode: sweep complete", slog.Int("drifts", len(res.Drifts)))
	return nil
}

// ArchiveMode runs the participation archive once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: object storage is not configured")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Notifier, a.logger)
	n, err := archiver.Run(ctx)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode: complete", slog.Int64("participations", n))
	return nil
}

// buildOrchestrator returns nil when no background job is enabled.
func (a *App) buildOrchestrator(deps *Dependencies, svcs services) *pipeline.Orchestrator {
	var sweeper pipeline.Sweeper
	if a.cfg.Reconcile.Enabled {
		sweeper = svcs.reconcile
	}
	var archiver *pipeline.Archiver
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Notifier, a.logger)
	}
	if sweeper == nil && archiver == nil {
		return nil
	}
	return pipeline.NewOrchestrator(sweeper, a.cfg.Reconcile.Interval.Duration, archiver, a.cfg.Archive.Cron, a.logger)
}

// newHTTPHandlers builds the API handlers and the WebSocket hub that feeds
// /ws. The hub must be run for clients to receive events.
func (a *App) newHTTPHandlers(deps *Dependencies, svcs services) (server.Handlers, *ws.Hub) {
	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})

	return server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, startedAt),
		Campaigns:  handler.NewCampaignHandler(svcs.catalog, svcs.campaigns, a.logger),
		Events:     handler.NewEventHandler(deps.EventBus, a.logger),
		Operations: handler.NewOperationsHandler(deps.Audit, svcs.reconcile, a.logger),
	}, hub
}

func (a *App) serverConfig(deps *Dependencies) server.Config {
	return server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       a.cfg.Server.RateLimit.Requests,
		RateLimitWindow: a.cfg.Server.RateLimit.Window.Duration,
	}
}

// startHTTPServer registers the hub loop, the listener and the shutdown
// watcher on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs services) {
	handlers, hub := a.newHTTPHandlers(deps, svcs)
	srv := server.NewServer(a.serverConfig(deps), handlers, hub, a.logger)

	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
