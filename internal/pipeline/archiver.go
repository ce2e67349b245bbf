// Package pipeline runs scheduled batch jobs over the wager history.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xrin1/flippening/internal/domain"
)

// Archiver exports resolved wagers older than the retention window to cold
// storage on a cron schedule.
type Archiver struct {
	archiver  domain.Archiver
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver keeping retentionDays of history hot.
func NewArchiver(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		archiver:  archiver,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run performs one archive pass and returns the number of wagers written.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention).Truncate(time.Minute)
	n, err := a.archiver.ArchiveWagers(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiving wagers before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("wagers", n),
	)
	return n, nil
}

// RunCron runs the archiver on a five-field cron schedule until ctx is
// cancelled. Failed runs are logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		next, ok := sched.Next(a.now())
		if !ok {
			return fmt.Errorf("cron %q never fires", expr)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
