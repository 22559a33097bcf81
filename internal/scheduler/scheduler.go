/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions of each job. An empty expression disables the job.
type Schedules struct {
	Reconcile   string
	TokenExpiry string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	register := func(name, spec string, job func()) {
		if spec == "" {
			s.logger.Info("job disabled", "job", name)
			return
		}
		if _, err := s.cron.AddFunc(spec, job); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
			return
		}
		scheduled++
		s.logger.Info("scheduled job", "job", name, "schedule", spec)
	}

	register("reconcile", s.schedules.Reconcile, s.jobs.ReconcilePendingMovements)
	register("token_expiry", s.schedules.TokenExpiry, s.jobs.ExpireRedemptionTokens)

	s.cron.Start()
	return scheduled
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
