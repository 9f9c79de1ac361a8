package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/observability"
)

// Scheduler runs the store keepalive and cache warming on fixed intervals.
// Jobs run in singleton mode: a slow run delays the next one instead of overlapping it.
type Scheduler struct {
	cron   *gocron.Scheduler
	logger *zap.Logger
}

// New returns an idle Scheduler. Add jobs, then Start.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{cron: s, logger: logger}
}

// AddKeepalive writes kvstore.KeepaliveKey every interval. The first write happens
// one interval after Start. A non-positive interval schedules nothing.
func (s *Scheduler) AddKeepalive(store kvstore.Store, interval, timeout time.Duration) error {
	if interval <= 0 {
		return nil
	}
	_, err := s.cron.Every(interval).WaitForSchedule().Tag("keepalive").Do(func() {
		RunKeepalive(context.Background(), store, timeout, s.logger)
	})
	if err != nil {
		return fmt.Errorf("schedule keepalive: %w", err)
	}
	s.logger.Info("keepalive scheduled", zap.Duration("interval", interval))
	return nil
}

// AddWarming warms the cache on Start and every interval after. A non-positive
// interval or an empty location list schedules nothing.
func (s *Scheduler) AddWarming(w *cache.Warmer, interval, timeout time.Duration) error {
	if interval <= 0 || w == nil || len(w.Locations()) == 0 {
		return nil
	}
	_, err := s.cron.Every(interval).Tag("warm").Do(func() {
		RunWarm(context.Background(), w, timeout, s.logger)
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	s.logger.Info("cache warming scheduled",
		zap.Duration("interval", interval),
		zap.Int("locations", len(w.Locations())))
	return nil
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int {
	return s.cron.Len()
}

// Start runs the scheduler in the background. Safe with no jobs.
func (s *Scheduler) Start() {
	if s.cron.Len() == 0 {
		s.logger.Debug("scheduler has no jobs")
		return
	}
	s.cron.StartAsync()
}

// Stop halts the scheduler. Running jobs finish on their own timeout.
func (s *Scheduler) Stop() {
	if s.cron.IsRunning() {
		s.cron.Stop()
	}
}

// RunKeepalive performs one keepalive write and records the result.
func RunKeepalive(ctx context.Context, store kvstore.Store, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := kvstore.Keepalive(ctx, store); err != nil {
		observability.KeepaliveTotal.WithLabelValues("error").Inc()
		logger.Warn("store keepalive failed", zap.Error(err))
		return err
	}
	observability.KeepaliveTotal.WithLabelValues("ok").Inc()
	logger.Debug("store keepalive written")
	return nil
}

// RunWarm performs one warming pass. Errors are logged; Warmer records metrics.
func RunWarm(ctx context.Context, w *cache.Warmer, timeout time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := w.Warm(ctx); err != nil {
		logger.Warn("cache warming incomplete", zap.Error(err))
		return err
	}
	return nil
}
