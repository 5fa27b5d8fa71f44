package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// progressReporter is the api.AsyncProgressReporter handed to async
// handlers. Every update is kept for GetCurrentResult; listener delivery
// is throttled.
type progressReporter struct {
	e        *Engine
	ctx      context.Context
	run      *activeRun
	runID    string
	taskID   string
	estimate time.Duration
	limiter  *rate.Limiter
}

var _ api.AsyncProgressReporter = (*progressReporter)(nil)

func (e *Engine) newProgressReporter(ctx context.Context, run *activeRun, t taskqueue.Task) *progressReporter {
	return &progressReporter{
		e:        e,
		ctx:      ctx,
		run:      run,
		runID:    t.RunID,
		taskID:   t.TaskID,
		estimate: t.Estimate,
		limiter:  rate.NewLimiter(rate.Every(e.cfg.ProgressInterval), 1),
	}
}

func (p *progressReporter) RunID() string  { return p.runID }
func (p *progressReporter) TaskID() string { return p.taskID }

func (p *progressReporter) UpdateProgress(percent int, message string) {
	prog := api.Progress{
		TaskID:    p.taskID,
		Percent:   min(max(percent, 0), 100),
		Message:   message,
		Estimate:  p.estimate,
		UpdatedAt: p.e.now(),
	}
	p.run.setProgress(prog)
	if prog.Percent == 100 || p.limiter.Allow() {
		p.e.notifyProgress(p.ctx, p.runID, prog)
	}
}

func (p *progressReporter) IsCancelled() bool {
	return p.run.cancelled.Load() || p.ctx.Err() != nil
}

// ExecuteTask implements worker.Executor.
func (e *Engine) ExecuteTask(ctx context.Context, t taskqueue.Task) error {
	switch t.Type {
	case taskqueue.TaskTypeAsync:
		return e.runAsyncTask(ctx, t)
	case taskqueue.TaskTypeResume:
		return e.runClaimedResume(ctx, t)
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
}

// runAsyncTask executes the handler of a pending async task and feeds its
// result back into the step loop as if the issuing step had returned it.
func (e *Engine) runAsyncTask(ctx context.Context, t taskqueue.Task) (err error) {
	run, created := e.runs.acquire(t.RunID)
	run.mu.Lock()
	defer run.mu.Unlock()
	defer func() { e.settle(t.RunID, run, created, err) }()

	inst, err := e.repo.Load(ctx, t.RunID)
	if err != nil {
		return err
	}
	if inst.Status != api.StatusRunning || inst.PendingTaskID != t.TaskID {
		return &api.InvalidStateError{RunID: t.RunID, Status: inst.Status, Op: "complete task " + t.TaskID + " of"}
	}

	st := &runState{inst: inst, run: run}
	if st.wctx, err = persistence.DecodeContext(inst.Context); err != nil {
		return e.failRun(ctx, st, fmt.Errorf("restore context: %w", err))
	}
	if st.g, err = e.registry.Get(inst.WorkflowID); err != nil {
		return e.failRun(ctx, st, err)
	}
	node, ok := st.g.steps[inst.CurrentStepID]
	if !ok {
		return e.failRun(ctx, st, configErr(st.g.id, inst.CurrentStepID, "unknown step"))
	}
	task, ok := st.g.tasks[t.TaskID]
	if !ok {
		return e.failRun(ctx, st, configErr(st.g.id, node.def.ID, "unknown async task %q", t.TaskID))
	}
	if run.cancelled.Load() {
		return e.failRun(ctx, st, api.ErrCancelled)
	}

	rep := e.newProgressReporter(ctx, run, t)
	policy := task.Retry
	if policy == nil {
		policy = node.def.Retry
	}

	inst.Attempt = 1
	res, failure, err := e.attempts(ctx, st, node.def.ID, policy, task.Timeout,
		func(ctx context.Context) (api.StepResult, error) {
			return task.Handler(ctx, st.wctx, t.Args, rep)
		})
	if err != nil {
		return err
	}
	if failure != nil {
		return e.failRun(ctx, st, failure)
	}
	if run.cancelled.Load() {
		return e.failRun(ctx, st, api.ErrCancelled)
	}

	inst.PendingTaskID = ""
	inst.Prompt = nil
	_, err = e.drive(ctx, st, nil, &res)
	return err
}

// runClaimedResume drives a run that ResumeAsync moved to RUNNING at
// version t.Version.
func (e *Engine) runClaimedResume(ctx context.Context, t taskqueue.Task) (err error) {
	run, created := e.runs.acquire(t.RunID)
	run.mu.Lock()
	defer run.mu.Unlock()
	defer func() { e.settle(t.RunID, run, created, err) }()

	inst, err := e.repo.Load(ctx, t.RunID)
	if err != nil {
		return err
	}
	if inst.Status != api.StatusRunning || inst.PendingTaskID != "" || inst.Version != t.Version {
		return &api.InvalidStateError{RunID: t.RunID, Status: inst.Status, Op: "continue resumed"}
	}

	st := &runState{inst: inst, run: run}
	if st.wctx, err = persistence.DecodeContext(inst.Context); err != nil {
		return e.failRun(ctx, st, fmt.Errorf("restore context: %w", err))
	}
	if st.g, err = e.registry.Get(inst.WorkflowID); err != nil {
		return e.failRun(ctx, st, err)
	}
	_, err = e.drive(ctx, st, t.Input, nil)
	return err
}

// settle updates the run index after a pool task ended with err. A task
// that found the run in another state leaves nothing behind; any other
// error leaves the run for recovery.
func (e *Engine) settle(runID string, run *activeRun, created bool, err error) {
	var ise *api.InvalidStateError
	switch {
	case err == nil:
	case errors.As(err, &ise):
		if created {
			e.runs.discard(runID, run)
		}
	default:
		e.runs.detach(runID, run, err)
	}
}
