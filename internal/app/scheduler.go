/**
 * @description
 * Cron scheduler setup for the collection jobs.
 */
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/verenigingen/sepa-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Cron expressions are read
// in the business timezone.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	opts := []cron.Option{cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))}
	if loc, err := time.LoadLocation(cfg.BusinessTimezone); err == nil {
		opts = append(opts, cron.WithLocation(loc))
	} else {
		logger.Warn("unknown business timezone, scheduling in local time", "timezone", cfg.BusinessTimezone, "error", err)
	}

	return &Scheduler{
		cron:   cron.New(opts...),
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("dues sweep", s.config.DuesJobSchedule, s.jobs.RunDuesSweep)
	s.add("mandate expiry", s.config.MandateExpiryJobSchedule, s.jobs.RunMandateExpiry)
	s.add("batch build", s.config.BatchJobSchedule, s.jobs.RunBatchBuild)
	s.cron.Start()
}

func (s *Scheduler) add(name, schedule string, job func()) {
	if strings.TrimSpace(schedule) == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
