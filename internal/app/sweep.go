/**
 * @description
 * Batch correction sweeps for lazily-expired state. Readers never depend on
 * these jobs: the visibility evaluator applies the time comparisons on every
 * read. The sweeps only fold expired feature windows and lapsed trials back
 * into the stored columns to keep them tidy for reporting and search filters.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/happylife/billing-service/internal/store"
)

// Sweeper runs the periodic storage-hygiene jobs.
type Sweeper struct {
	cron   *cron.Cron
	repo   store.Repository
	logger *slog.Logger
}

// NewSweeper creates a sweeper instance.
func NewSweeper(repo store.Repository, logger *slog.Logger) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Sweeper{
		cron:   c,
		repo:   repo,
		logger: logger,
	}
}

// Start registers the sweep on the given schedule and starts the scheduler.
func (s *Sweeper) Start(schedule string) {
	if _, err := s.cron.AddFunc(schedule, s.RunExpirationSweep); err != nil {
		s.logger.Error("failed to schedule expiration sweep", "error", err)
	} else {
		s.logger.Info("scheduled expiration sweep", "schedule", schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the scheduler.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunExpirationSweep flips stale featured flags and expires lapsed trial
// listings. Failures are logged and retried on the next tick; nothing
// downstream depends on this job having run.
func (s *Sweeper) RunExpirationSweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	unfeatured, err := s.repo.ExpireStaleFeatureFlags(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire stale feature flags", "error", err)
	} else if unfeatured > 0 {
		s.logger.Info("expired stale feature flags", "count", unfeatured)
	}

	lapsed, err := s.repo.ExpireLapsedListings(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire lapsed trial listings", "error", err)
	} else if lapsed > 0 {
		s.logger.Info("expired lapsed trial listings", "count", lapsed)
	}
}
