package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/notify"
)

// Archiver moves participations of long-ended campaigns to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	notifier      *notify.Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver. notifier may be nil.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, notifier *notify.Notifier, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes a single archive run for campaigns that ended more than
// retentionDays ago.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveParticipations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving participations before %v: %w", cutoff, err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("participations_archived", n))

	if n > 0 {
		if err := a.notifier.Notify(ctx, notify.EventArchive, "Participations archived",
			fmt.Sprintf("%d participation(s) of campaigns ended before %s", n, cutoff.Format(time.DateOnly))); err != nil {
			a.logger.WarnContext(ctx, "archive alert failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// RunCron runs the archiver on a standard 5-field cron schedule until the
// context is cancelled. Example: "0 3 1 * *" runs at 3:00 AM on the 1st of
// every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next := sched.Next(a.now())
		wait := time.Until(next)
		a.logger.InfoContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
