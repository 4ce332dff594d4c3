// Package sweeper runs the engine's inactive-account eviction on a cron schedule.
package sweeper

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweepable is implemented by the engine.
type Sweepable interface {
	Sweep(now time.Time) int
	Len() int
}

// Sweeper schedules Sweep calls.
type Sweeper struct {
	cron   *cron.Cron
	target Sweepable
	now    func() time.Time
	logger *slog.Logger

	runs    atomic.Int64
	evicted atomic.Int64
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the time passed to Sweep. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// New registers a sweep job on schedule, a standard cron spec or a descriptor
// such as "@every 1m". Overlapping runs are skipped.
func New(target Sweepable, schedule string, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		target: target,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("register sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs one sweep immediately.
func (s *Sweeper) RunOnce() {
	start := time.Now()
	n := s.target.Sweep(s.now())
	s.runs.Add(1)
	s.evicted.Add(int64(n))
	s.logger.Debug("sweep finished",
		"evicted", n,
		"tracked", s.target.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Start starts the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "entries", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped", "runs", s.runs.Load(), "evicted", s.evicted.Load())
}

// Stats returns the number of completed runs and the total evicted.
func (s *Sweeper) Stats() (runs, evicted int64) {
	return s.runs.Load(), s.evicted.Load()
}
