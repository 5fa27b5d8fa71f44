package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
}

func (f *fakePurger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Schedule: "@hourly", MaxAge: time.Hour})
	assert.Error(t, err)

	_, err = New(&fakePurger{}, Config{Schedule: "@hourly"})
	assert.Error(t, err)

	_, err = New(&fakePurger{}, Config{Schedule: "every tuesday", MaxAge: time.Hour})
	assert.ErrorContains(t, err, "every tuesday")

	_, err = New(&fakePurger{}, Config{Schedule: "*/5 * * * *", MaxAge: time.Hour})
	assert.NoError(t, err)
}

func TestRunOnce_UsesMaxAgeCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &fakePurger{n: 3}
	s, err := New(p, Config{
		Schedule: "@daily",
		MaxAge:   48 * time.Hour,
		Logger:   quiet(),
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-48*time.Hour), p.cutoffs[0])

	sweeps, purged := s.Stats()
	assert.Equal(t, int64(1), sweeps)
	assert.Equal(t, int64(3), purged)
}

func TestRunOnce_ReportsErrors(t *testing.T) {
	p := &fakePurger{err: errors.New("db down")}
	s, err := New(p, Config{Schedule: "@daily", MaxAge: time.Hour, Logger: quiet()})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
	_, purged := s.Stats()
	assert.Zero(t, purged)
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron tick")
	}
	p := &fakePurger{}
	s, err := New(p, Config{Schedule: "@every 1s", MaxAge: time.Hour, Logger: quiet()})
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.False(t, s.Next().IsZero())

	assert.Eventually(t, func() bool { return p.calls() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "Stop is idempotent")
}
