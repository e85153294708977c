// Package jobs schedules the recurring background work: the incremental sync
// run and the dead-letter sweeper.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/config"
	"github.com/speedelog/prepflow/internal/dlq"
	syncsvc "github.com/speedelog/prepflow/internal/service/sync"
)

// Scheduler owns the cron runner and its registered jobs.
type Scheduler struct {
	cfg          config.Jobs
	orchestrator *syncsvc.Orchestrator
	sweeper      *dlq.Service
	cron         *cron.Cron
	logger       *zap.Logger
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Config       config.Config
	Orchestrator *syncsvc.Orchestrator
	Sweeper      *dlq.Service
	Logger       *zap.Logger
}

// NewScheduler constructs the job scheduler.
func NewScheduler(p Params) *Scheduler {
	return &Scheduler{
		cfg:          p.Config.Jobs,
		orchestrator: p.Orchestrator,
		sweeper:      p.Sweeper,
		cron:         cron.New(),
		logger:       p.Logger,
	}
}

// Module wires the scheduler into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewScheduler),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Start() },
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)

// Start registers the cron entries and begins scheduling.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduled jobs disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.SyncSpec, s.runIncrementalSync); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.DLQSweepSpec, s.runDLQSweep); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduled jobs started",
		zap.String("sync_spec", s.cfg.SyncSpec),
		zap.String("dlq_sweep_spec", s.cfg.DLQSweepSpec),
	)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduled jobs stopped")
}

// runIncrementalSync triggers one incremental run. Lock contention just means
// another invocation is already at it.
func (s *Scheduler) runIncrementalSync() {
	ctx := context.Background()
	run, err := s.orchestrator.Run(ctx, syncsvc.ModeIncremental, time.Time{})
	if err != nil {
		s.logger.Warn("scheduled sync run did not execute", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sync run finished",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("items", run.ItemCount),
	)
}

// runDLQSweep retries due dead-lettered items once.
func (s *Scheduler) runDLQSweep() {
	ctx := context.Background()
	handled, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("dlq sweep failed", zap.Error(err))
		return
	}
	if handled > 0 {
		s.logger.Info("dlq sweep handled items", zap.Int("handled", handled))
	}
}
