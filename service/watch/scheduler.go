package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/robfig/cron/v3"
)

// Task names, used as log and metric labels.
const (
	TaskNetworkSampler = "network-sampler"
	TaskWalletWatcher  = "wallet-watcher"
	TaskPriceAlerts    = "price-alerts"
)

// Scheduler runs the Service's polls on their intervals. A poll that is
// still running when its next tick arrives is skipped, so each task has at
// most one pass in flight.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler for svc.
func NewScheduler(svc *Service, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		svc:     svc,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		logger:  logger,
	}
}

// Start registers the three polls and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		task     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{TaskNetworkSampler, s.svc.cfg.NetworkSampleInterval, s.svc.SampleNetwork},
		{TaskWalletWatcher, s.svc.cfg.WalletPollInterval, s.svc.WatchWallets},
		{TaskPriceAlerts, s.svc.cfg.AlertPollInterval, s.svc.CheckAlerts},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			return fmt.Errorf("%s: interval must be positive", j.task)
		}
		if _, err := s.cron.AddFunc("@every "+j.interval.String(), s.wrap(j.task, j.run)); err != nil {
			return fmt.Errorf("%s: failed to schedule: %w", j.task, err)
		}
		s.logger.Info("scheduled poll", "task", j.task, "interval", j.interval)
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling new passes and waits for running passes to finish.
// If ctx ends first, running passes are cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) wrap(task string, run func(context.Context) error) func() {
	return func() {
		start := time.Now()
		err := run(s.ctx)
		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordPollTick(task, duration.Seconds())
		}
		if err != nil {
			s.logger.Error("poll pass failed", "task", task, "duration", duration, "error", err)
			return
		}
		s.logger.Debug("poll pass complete", "task", task, "duration", duration)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
