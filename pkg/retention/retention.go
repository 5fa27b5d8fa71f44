// Package retention periodically deletes terminal workflow runs that are
// older than a configured age.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes terminal runs last updated before cutoff. The engine
// implements it.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// parser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 30m".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	Schedule string
	MaxAge   time.Duration
	// Timeout bounds a single sweep. Default one minute.
	Timeout time.Duration
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Sweeper runs a purge on a cron schedule.
type Sweeper struct {
	purger Purger
	cfg    Config
	cron   *cron.Cron

	mu      sync.Mutex
	started bool

	sweeps atomic.Int64
	purged atomic.Int64
}

// New validates cfg and creates a stopped sweeper.
func New(p Purger, cfg Config) (*Sweeper, error) {
	if p == nil {
		return nil, errors.New("retention: purger is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("retention: max age must be positive")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Sweeper{
		purger: p,
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	}))
	return s, nil
}

// RunOnce purges immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.cfg.Clock().Add(-s.cfg.MaxAge)
	n, err := s.purger.PurgeOlderThan(ctx, cutoff)
	s.sweeps.Add(1)
	if err != nil {
		s.cfg.Logger.ErrorContext(ctx, "retention_sweep_failed", "cutoff", cutoff, "error", err)
		return n, err
	}
	s.purged.Add(int64(n))
	if n > 0 {
		s.cfg.Logger.InfoContext(ctx, "retention_sweep", "cutoff", cutoff, "purged", n)
	}
	return n, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled sweep, or the zero time when stopped.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stats reports the number of sweeps run and runs purged so far.
func (s *Sweeper) Stats() (sweeps, purged int64) {
	return s.sweeps.Load(), s.purged.Load()
}
