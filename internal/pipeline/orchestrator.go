// Package pipeline runs the ledger's background jobs: the periodic
// reconciliation sweep and the cron-scheduled participation archive.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/groupbuy/internal/service"
)

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// Orchestrator manages the background job goroutines. Either job may be nil
// when disabled.
type Orchestrator struct {
	sweeper           Sweeper
	reconcileInterval time.Duration
	archiver          *Archiver
	archiveCron       string
	logger            *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	sweeper Sweeper,
	reconcileInterval time.Duration,
	archiver *Archiver,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sweeper:           sweeper,
		reconcileInterval: reconcileInterval,
		archiver:          archiver,
		archiveCron:       archiveCron,
		logger:            logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts the enabled jobs as concurrent goroutines using an errgroup. It
// returns nil on context cancellation and the first job error otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline orchestrator starting",
		slog.Bool("reconcile", o.sweeper != nil),
		slog.Duration("reconcile_interval", o.reconcileInterval),
		slog.Bool("archive", o.archiver != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.sweeper != nil {
		g.Go(func() error {
			err := o.runReconcile(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("reconcile: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

// runReconcile sweeps once on start and then on every tick. A failed sweep
// is logged and retried on the next tick.
func (o *Orchestrator) runReconcile(ctx context.Context) error {
	o.sweep(ctx)

	ticker := time.NewTicker(o.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("reconcile loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	res, err := o.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.ErrorContext(ctx, "reconcile sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if res.Skipped {
		return
	}
	o.logger.DebugContext(ctx, "reconcile sweep done", slog.Int("drifts", len(res.Drifts)))
}
