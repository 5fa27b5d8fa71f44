package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// Config describes how to construct an Engine.
type Config struct {
	// Repository stores run state. Defaults to an in-memory repository.
	Repository api.WorkflowStateRepository

	// RetryStrategy decides step retries. Defaults to api.DefaultRetryStrategy.
	RetryStrategy api.RetryStrategy

	// DefaultRetry applies to steps and tasks that declare no policy. Nil
	// means a single attempt.
	DefaultRetry *api.RetryPolicy

	// Pool sizes the async worker pool.
	Pool worker.Config

	// PersistRetries bounds how often a checkpoint is retried after a
	// transient repository error. Default 3.
	PersistRetries int
	// PersistBackoff is the base delay between checkpoint retries. Default 10ms.
	PersistBackoff time.Duration

	// ProgressInterval throttles progress notifications per task. Default 250ms.
	ProgressInterval time.Duration

	Listeners map[string]api.WorkflowExecutionListener
	Logger    *slog.Logger

	// Clock overrides time.Now for timestamps.
	Clock func() time.Time
	// NewRunID generates run ids. Defaults to uuid.NewString.
	NewRunID func() string
}

func (c Config) withDefaults() Config {
	if c.Repository == nil {
		c.Repository = persistence.NewInMemoryRepository()
	}
	if c.RetryStrategy == nil {
		c.RetryStrategy = api.DefaultRetryStrategy{}
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	} else if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 10 * time.Millisecond
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Pool.Logger == nil {
		c.Pool.Logger = c.Logger
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewRunID == nil {
		c.NewRunID = uuid.NewString
	}
	return c
}

type namedListener struct {
	name string
	l    api.WorkflowExecutionListener
}

// Engine drives workflow runs through their compiled graphs, persisting
// every transition, and executes async tasks on a bounded worker pool.
type Engine struct {
	cfg      Config
	repo     api.WorkflowStateRepository
	strategy api.RetryStrategy
	logger   *slog.Logger

	registry *workflowRegistry
	runs     *runIndex
	pool     *worker.Pool

	lmu       sync.RWMutex
	listeners []namedListener

	closed atomic.Bool
}

var (
	_ api.Engine      = (*Engine)(nil)
	_ worker.Executor = (*Engine)(nil)
)

// New creates an engine and starts its worker pool.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		repo:     cfg.Repository,
		strategy: cfg.RetryStrategy,
		logger:   cfg.Logger,
		registry: newWorkflowRegistry(),
		runs:     newRunIndex(),
	}
	names := make([]string, 0, len(cfg.Listeners))
	for name := range cfg.Listeners {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		e.AddListener(name, cfg.Listeners[name])
	}

	e.pool = worker.New(e, cfg.Pool)
	e.pool.Start()
	return e
}

func (e *Engine) now() time.Time { return e.cfg.Clock() }

// PoolStats reports async pool usage.
func (e *Engine) PoolStats() worker.Stats { return e.pool.Stats() }

// Workflows lists the registered workflow ids.
func (e *Engine) Workflows() []string {
	ids := e.registry.IDs()
	slices.Sort(ids)
	return ids
}

func (e *Engine) Register(def api.WorkflowDefinition) error {
	g, err := e.registry.Register(def)
	if err != nil {
		return err
	}
	e.logger.Debug("workflow_registered", "workflow", g.id, "steps", len(g.steps), "tasks", len(g.tasks))
	return nil
}

func (e *Engine) Execute(ctx context.Context, workflowID string, trigger any, opts ...api.ExecuteOption) (api.RunHandle, error) {
	if e.closed.Load() {
		return nil, api.ErrEngineClosed
	}
	g, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if !g.accepts(g.initial, trigger) {
		return nil, &api.TypeMismatchError{Expected: g.steps[g.initial].inputTag, Got: api.TagOf(trigger)}
	}

	o := api.ApplyExecuteOptions(opts...)
	runID := o.RunID
	if runID == "" {
		runID = e.cfg.NewRunID()
	}

	now := e.now()
	inst := &api.WorkflowInstance{
		RunID:         runID,
		WorkflowID:    workflowID,
		CorrelationID: o.CorrelationID,
		Status:        api.StatusCreated,
		CurrentStepID: g.initial,
		Attempt:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	run, created := e.runs.acquire(runID)
	run.mu.Lock()
	defer run.mu.Unlock()

	st := &runState{g: g, inst: inst, wctx: api.NewWorkflowContext(runID, o.CorrelationID, trigger), run: run}
	if err := inst.Transition(api.TriggerStart); err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, st); err != nil {
		if created {
			e.runs.discard(runID, run)
		}
		return nil, fmt.Errorf("start run %s: %w", runID, err)
	}
	e.notify(ctx, inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
		l.OnWorkflowStarted(ctx, snap)
	})

	value, err := e.drive(ctx, st, trigger, nil)
	if err != nil {
		return nil, err
	}
	return st.handle(value), nil
}

// loadSuspended validates a resume request without mutating the run.
func (e *Engine) loadSuspended(ctx context.Context, runID string, input any) (*api.WorkflowInstance, *graph, error) {
	inst, err := e.repo.Load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status != api.StatusSuspended || !inst.CanTransition(api.TriggerResume) {
		return nil, nil, &api.InvalidStateError{RunID: runID, Status: inst.Status, Op: "resume"}
	}
	if inst.ExpectedInputType != "" && api.TagOf(input) != inst.ExpectedInputType {
		return nil, nil, &api.TypeMismatchError{RunID: runID, Expected: inst.ExpectedInputType, Got: api.TagOf(input)}
	}
	g, err := e.registry.Get(inst.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := g.steps[inst.CurrentStepID]; !ok {
		return nil, nil, configErr(g.id, inst.CurrentStepID, "suspended step is no longer part of the workflow")
	}
	return inst, g, nil
}

func (e *Engine) Resume(ctx context.Context, runID string, input any) (api.RunHandle, error) {
	if e.closed.Load() {
		return nil, api.ErrEngineClosed
	}
	return e.resume(ctx, runID, input)
}

func (e *Engine) resume(ctx context.Context, runID string, input any) (api.RunHandle, error) {
	st, err := e.claimResume(ctx, runID, input)
	if err != nil {
		return nil, err
	}
	defer st.run.mu.Unlock()

	value, err := e.drive(ctx, st, input, nil)
	if err != nil {
		return nil, err
	}
	return st.handle(value), nil
}

// claimResume moves a suspended run to RUNNING and returns with st.run.mu
// held. The version loaded with the run guards against a concurrent resume.
func (e *Engine) claimResume(ctx context.Context, runID string, input any) (*runState, error) {
	inst, g, err := e.loadSuspended(ctx, runID, input)
	if err != nil {
		return nil, err
	}
	wctx, err := persistence.DecodeContext(inst.Context)
	if err != nil {
		return nil, fmt.Errorf("restore context of run %s: %w", runID, err)
	}

	run, created := e.runs.acquire(runID)
	run.mu.Lock()
	release := func() {
		run.mu.Unlock()
		if created {
			e.runs.discard(runID, run)
		}
	}

	st := &runState{g: g, inst: inst, wctx: wctx, run: run}
	if err := inst.Transition(api.TriggerResume); err != nil {
		release()
		return nil, err
	}
	inst.ExpectedInputType = ""
	inst.Prompt = nil
	inst.Attempt = 1
	if err := e.checkpoint(ctx, st); err != nil {
		release()
		return nil, err
	}
	return st, nil
}

// ResumeAsync claims the run before queueing it, so of several concurrent
// calls at most one succeeds. The returned handle resolves when the run
// reaches a terminal state.
func (e *Engine) ResumeAsync(ctx context.Context, runID string, input any) (api.RunHandle, error) {
	if e.closed.Load() {
		return nil, api.ErrEngineClosed
	}
	st, err := e.claimResume(ctx, runID, input)
	if err != nil {
		return nil, err
	}
	version := st.inst.Version
	st.run.mu.Unlock()

	err = e.pool.Submit(taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeResume,
		RunID:      runID,
		Input:      input,
		Version:    version,
		EnqueuedAt: e.now(),
	})
	if err != nil {
		err = fmt.Errorf("resume run %s: %w", runID, err)
		st.run.mu.Lock()
		defer st.run.mu.Unlock()
		if ferr := e.failRun(ctx, st, err); ferr != nil {
			e.runs.detach(runID, st.run, ferr)
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	return &runHandle{runID: runID, status: api.StatusRunning, fut: st.run.fut}, nil
}

func (e *Engine) GetWorkflowInstance(ctx context.Context, runID string) (*api.WorkflowInstance, error) {
	return e.repo.Load(ctx, runID)
}

func (e *Engine) GetCurrentResult(ctx context.Context, runID string) (api.RunResult, error) {
	inst, err := e.repo.Load(ctx, runID)
	if err != nil {
		return api.RunResult{}, err
	}
	res := api.RunResult{RunID: runID, Status: inst.Status, Error: inst.Error, LastAttemptError: inst.LastError()}
	switch {
	case inst.Status == api.StatusCompleted:
		res.Value, err = persistence.DecodeAny(inst.Output)
	case inst.Status == api.StatusSuspended, inst.PendingTaskID != "":
		res.Value, err = persistence.DecodeAny(inst.Prompt)
	}
	if err != nil {
		return api.RunResult{}, err
	}
	if r, ok := e.runs.lookup(runID); ok {
		res.Progress = r.lastProgress()
	}
	return res, nil
}

func (e *Engine) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	return e.repo.List(ctx, filter)
}

func (e *Engine) CountByStatus(ctx context.Context, status api.Status) (int, error) {
	return e.repo.CountByStatus(ctx, status)
}

func (e *Engine) AddListener(name string, l api.WorkflowExecutionListener) {
	if l == nil {
		return
	}
	e.lmu.Lock()
	defer e.lmu.Unlock()
	for i := range e.listeners {
		if e.listeners[i].name == name {
			e.listeners[i].l = l
			return
		}
	}
	e.listeners = append(e.listeners, namedListener{name: name, l: l})
}

func (e *Engine) RemoveListener(name string) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = slices.DeleteFunc(e.listeners, func(nl namedListener) bool { return nl.name == name })
}

func (e *Engine) Cancel(ctx context.Context, runID string) error {
	inst, err := e.repo.Load(ctx, runID)
	if err != nil {
		return err
	}
	if !inst.CanTransition(api.TriggerFail) {
		return &api.InvalidStateError{RunID: runID, Status: inst.Status, Op: "cancel"}
	}

	run, ok := e.runs.lookup(runID)
	if inst.Status != api.StatusSuspended && (!ok || run.detached.Load()) {
		return &api.InvalidStateError{RunID: runID, Status: inst.Status, Op: "cancel unowned"}
	}
	if inst.Status != api.StatusSuspended {
		run.cancelled.Store(true)
		return nil
	}

	// Suspended runs fail right away unless a resume got there first.
	run, created := e.runs.acquire(runID)
	run.mu.Lock()
	defer run.mu.Unlock()
	err = e.failRun(ctx, &runState{inst: inst, run: run}, api.ErrCancelled)
	if err != nil && created {
		e.runs.discard(runID, run)
	}
	return err
}

func (e *Engine) RecoverStuckInstances(ctx context.Context) (int, error) {
	running, err := e.repo.List(ctx, api.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}
	live := e.runs.ids()

	recovered := 0
	for _, inst := range running {
		if _, ok := live[inst.RunID]; ok {
			continue
		}
		run, _ := e.runs.acquire(inst.RunID)
		run.mu.Lock()
		st := &runState{inst: inst, run: run}
		cause := fmt.Errorf("%w: step %q was in progress", api.ErrInterrupted, inst.CurrentStepID)
		err := e.failRun(ctx, st, cause)
		run.mu.Unlock()

		switch {
		case err == nil:
			recovered++
		case errors.Is(err, api.ErrConcurrentModification):
			// Someone else moved it on.
			e.runs.discard(inst.RunID, run)
		default:
			return recovered, err
		}
	}
	if recovered > 0 {
		e.logger.Info("recovered_stuck_runs", "count", recovered)
	}
	return recovered, nil
}

func (e *Engine) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return e.repo.DeleteOlderThan(ctx, cutoff)
}

// Close stops accepting work and waits for in-flight tasks until ctx ends.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.pool.Stop(ctx)
}

// notify calls fn for every listener with a snapshot of inst. Listener
// panics are logged and swallowed.
func (e *Engine) notify(ctx context.Context, inst *api.WorkflowInstance, fn func(api.WorkflowExecutionListener, *api.WorkflowInstance)) {
	e.lmu.RLock()
	ls := slices.Clone(e.listeners)
	e.lmu.RUnlock()
	if len(ls) == 0 {
		return
	}
	snap := inst.Clone()
	for _, nl := range ls {
		e.safeCall(ctx, nl.name, func() { fn(nl.l, snap) })
	}
}

func (e *Engine) notifyProgress(ctx context.Context, runID string, p api.Progress) {
	e.lmu.RLock()
	ls := slices.Clone(e.listeners)
	e.lmu.RUnlock()
	for _, nl := range ls {
		if pl, ok := nl.l.(api.ProgressListener); ok {
			e.safeCall(ctx, nl.name, func() { pl.OnAsyncProgress(ctx, runID, p) })
		}
	}
}

func (e *Engine) safeCall(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "listener_panic", "listener", name, "panic", r)
		}
	}()
	fn()
}
