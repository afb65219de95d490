/**
 * @description
 * Cron scheduler for the engine's periodic work: expiring transfers whose
 * verification window lapsed and executing scheduled transfers that became
 * due.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/kudipay/settlement-service/internal/config"
	"github.com/robfig/cron/v3"
)

const sweepBatchLimit = 200

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *slog.Logger
	config  config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:    c,
		service: service,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ExpirySweepSchedule, s.runExpirySweep); err != nil {
		s.logger.Error("failed to schedule verification expiry sweep", "error", err)
	} else {
		s.logger.Info("scheduled verification expiry sweep", "schedule", s.config.ExpirySweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ScheduledRunSchedule, s.runDueTransfers); err != nil {
		s.logger.Error("failed to schedule due transfer job", "error", err)
	} else {
		s.logger.Info("scheduled due transfer job", "schedule", s.config.ScheduledRunSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runExpirySweep() {
	ctx := context.Background()
	expired, err := s.service.ExpireStaleVerifications(ctx, sweepBatchLimit)
	if err != nil {
		s.logger.Error("verification expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale transfers", "count", expired)
	}
}

func (s *Scheduler) runDueTransfers() {
	ctx := context.Background()
	ran, err := s.service.RunDueScheduledTransfers(ctx, sweepBatchLimit)
	if err != nil {
		s.logger.Error("due transfer run failed", "error", err)
		return
	}
	if ran > 0 {
		s.logger.Info("executed scheduled transfers", "count", ran)
	}
}
