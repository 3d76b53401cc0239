/**
 * @description
 * Cron scheduler setup for the payout jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	Settlement string
	Maturation string
	Reconcile  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. Jobs run in UTC.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It fails if any
// schedule does not parse.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "settlement", schedule: s.schedules.Settlement, run: s.jobs.RunSettlement},
		{name: "earnings maturation", schedule: s.schedules.Maturation, run: s.jobs.MatureEarnings},
		{name: "payout reconciliation", schedule: s.schedules.Reconcile, run: s.jobs.ReconcilePayouts},
	}

	for _, entry := range entries {
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			return err
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
	}

	s.cron.Start()
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
