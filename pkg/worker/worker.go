package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker: pool stopped")

// Executor runs one task. Errors are logged; the pool never retries.
type Executor interface {
	ExecuteTask(ctx context.Context, t taskqueue.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t taskqueue.Task) error

func (f ExecutorFunc) ExecuteTask(ctx context.Context, t taskqueue.Task) error { return f(ctx, t) }

// Config sizes a Pool.
type Config struct {
	// CoreWorkers is the number of long-lived goroutines. Default 4.
	CoreWorkers int
	// MaxWorkers bounds core plus overflow goroutines. Default 2*CoreWorkers.
	MaxWorkers int
	// QueueCapacity bounds tasks waiting for a core worker. Default 100.
	QueueCapacity int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = 4
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = 2 * c.CoreWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Queued    int
	Active    int64
	Completed int64
	Failed    int64
}

// Pool is a bounded goroutine pool.
type Pool struct {
	cfg      Config
	exec     Executor
	queue    *taskqueue.InMemoryQueue
	overflow *semaphore.Weighted
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(exec Executor, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		exec:     exec,
		queue:    taskqueue.NewInMemoryQueue(cfg.QueueCapacity),
		overflow: semaphore.NewWeighted(int64(cfg.MaxWorkers - cfg.CoreWorkers)),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the core workers. It is idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for range p.cfg.CoreWorkers {
		p.wg.Add(1)
		go p.loop()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		task, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			return
		}
		p.run(*task)
	}
}

// Submit schedules t. It never blocks: when the queue is full and no
// overflow slot is free it returns an error wrapping api.ErrPoolSaturated.
func (p *Pool) Submit(t taskqueue.Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if !p.started {
		return fmt.Errorf("worker: pool not started")
	}

	err := p.queue.TryEnqueue(t)
	if err == nil {
		return nil
	}
	if !errors.Is(err, taskqueue.ErrQueueFull) {
		return err
	}

	if !p.overflow.TryAcquire(1) {
		return fmt.Errorf("%w: %d workers busy, %d tasks queued", api.ErrPoolSaturated, p.cfg.MaxWorkers, p.queue.Len())
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.overflow.Release(1)
		p.run(t)
	}()
	return nil
}

func (p *Pool) run(t taskqueue.Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("worker_task_panic",
				slog.String("task_id", t.ID),
				slog.String("run_id", t.RunID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := p.exec.ExecuteTask(p.ctx, t); err != nil {
		p.failed.Add(1)
		p.logger.Warn("worker_task_failed",
			slog.String("task_id", t.ID),
			slog.String("type", string(t.Type)),
			slog.String("run_id", t.RunID),
			slog.Any("error", err),
		)
		return
	}
	p.completed.Add(1)
}

// Stop stops intake and waits for queued and in-flight tasks. When ctx ends
// first, the task context is cancelled, queued tasks are abandoned and
// ctx.Err() is returned without waiting for handlers to notice.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.queue.Close()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Stats reports current usage.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    p.queue.Len(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
