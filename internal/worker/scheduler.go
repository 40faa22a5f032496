package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSchedule      = "@every 30m"
	defaultSweepSchedule = "@every 1m"
	defaultRunTimeout    = 10 * time.Minute
)

var ErrMissingReconciler = errors.New("worker: reconciler is required")

// TokenSweeper reclaims abandoned earning tokens.
type TokenSweeper interface {
	Sweep(now time.Time) int
}

// SchedulerConfig wires the periodic jobs. Sweeper is optional. RunTimeout bounds a
// single scheduled reconciliation; zero uses the default, negative disables it.
type SchedulerConfig struct {
	Reconciler    *Reconciler
	Sweeper       TokenSweeper
	Schedule      string
	SweepSchedule string
	RunTimeout    time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	reconciler    *Reconciler
	sweeper       TokenSweeper
	schedule      string
	sweepSchedule string
	runTimeout    time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	// runs is cancelled by Stop so an in-flight reconciliation ends with the process.
	runs       context.Context
	cancelRuns context.CancelFunc
}

// NewScheduler registers the reconciliation job and, when a sweeper is given, the token sweep job.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Reconciler == nil {
		return nil, ErrMissingReconciler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	sweepSchedule := cfg.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = defaultSweepSchedule
	}
	runTimeout := cfg.RunTimeout
	if runTimeout == 0 {
		runTimeout = defaultRunTimeout
	}
	runs, cancelRuns := context.WithCancel(context.Background())

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron:          cron.New(cron.WithChain(cron.Recover(cronLogger))),
		reconciler:    cfg.Reconciler,
		sweeper:       cfg.Sweeper,
		schedule:      schedule,
		sweepSchedule: sweepSchedule,
		runTimeout:    runTimeout,
		clock:         clock,
		logger:        logger,
		runs:          runs,
		cancelRuns:    cancelRuns,
	}

	if _, err := s.cron.AddFunc(s.schedule, s.reconcile); err != nil {
		cancelRuns()
		return nil, fmt.Errorf("worker: schedule reconciliation %q: %w", s.schedule, err)
	}
	logger.Info("scheduled reconciliation job", zap.String("schedule", s.schedule))

	if s.sweeper != nil {
		if _, err := s.cron.AddFunc(s.sweepSchedule, s.sweep); err != nil {
			cancelRuns()
			return nil, fmt.Errorf("worker: schedule token sweep %q: %w", s.sweepSchedule, err)
		}
		logger.Info("scheduled token sweep job", zap.String("schedule", s.sweepSchedule))
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and cancels a running reconciliation. The returned
// context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancelRuns()
	return done
}

func (s *Scheduler) reconcile() {
	ctx := s.runs
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	if _, err := s.reconciler.RunOnce(ctx); err != nil {
		s.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}

func (s *Scheduler) sweep() {
	if removed := s.sweeper.Sweep(s.clock()); removed > 0 {
		s.logger.Debug("swept expired earning tokens", zap.Int("removed", removed))
	}
}
