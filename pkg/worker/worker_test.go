package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup

	p := New(ExecutorFunc(func(ctx context.Context, task taskqueue.Task) error {
		defer wg.Done()
		mu.Lock()
		seen[task.ID] = true
		mu.Unlock()
		return nil
	}), Config{CoreWorkers: 2, QueueCapacity: 10})
	p.Start()
	defer p.Stop(context.Background())

	for i := range 5 {
		wg.Add(1)
		require.NoError(t, p.Submit(taskqueue.Task{ID: fmt.Sprint(i), Type: taskqueue.TaskTypeAsync}))
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	assert.Eventually(t, func() bool { return p.Stats().Completed == 5 }, time.Second, 5*time.Millisecond)
}

func TestPool_SaturationIsReported(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	p := New(ExecutorFunc(func(ctx context.Context, task taskqueue.Task) error {
		started <- struct{}{}
		<-release
		return nil
	}), Config{CoreWorkers: 1, MaxWorkers: 2, QueueCapacity: 1})
	p.Start()
	defer func() {
		close(release)
		_ = p.Stop(context.Background())
	}()

	// Occupy the core worker.
	require.NoError(t, p.Submit(taskqueue.Task{ID: "core"}))
	<-started
	// Fill the queue.
	require.NoError(t, p.Submit(taskqueue.Task{ID: "queued"}))
	// Use the single overflow slot.
	require.NoError(t, p.Submit(taskqueue.Task{ID: "overflow"}))
	<-started

	err := p.Submit(taskqueue.Task{ID: "rejected"})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrPoolSaturated)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var ran atomic.Int32
	p := New(ExecutorFunc(func(ctx context.Context, task taskqueue.Task) error {
		time.Sleep(5 * time.Millisecond)
		ran.Add(1)
		return nil
	}), Config{CoreWorkers: 1, QueueCapacity: 10})
	p.Start()

	for i := range 5 {
		require.NoError(t, p.Submit(taskqueue.Task{ID: fmt.Sprint(i)}))
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	assert.ErrorIs(t, p.Submit(taskqueue.Task{ID: "late"}), ErrStopped)
	assert.NoError(t, p.Stop(context.Background()), "Stop is idempotent")
}

func TestPool_StopTimeoutCancelsTasks(t *testing.T) {
	cancelled := make(chan struct{})
	p := New(ExecutorFunc(func(ctx context.Context, task taskqueue.Task) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}), Config{CoreWorkers: 1})
	p.Start()
	require.NoError(t, p.Submit(taskqueue.Task{ID: "slow"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPool_RecoversPanicsAndCountsFailures(t *testing.T) {
	var calls atomic.Int32
	p := New(ExecutorFunc(func(ctx context.Context, task taskqueue.Task) error {
		calls.Add(1)
		switch task.ID {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("failed")
		}
		return nil
	}), Config{CoreWorkers: 1})
	p.Start()

	require.NoError(t, p.Submit(taskqueue.Task{ID: "panic"}))
	require.NoError(t, p.Submit(taskqueue.Task{ID: "error"}))
	require.NoError(t, p.Submit(taskqueue.Task{ID: "ok"}))
	require.NoError(t, p.Stop(context.Background()))

	st := p.Stats()
	assert.Equal(t, int32(3), calls.Load(), "worker survives a panic")
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Completed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := New(ExecutorFunc(func(context.Context, taskqueue.Task) error { return nil }), Config{})
	assert.Error(t, p.Submit(taskqueue.Task{ID: "x"}))
}
