package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// runState is the in-memory view of a run while a goroutine drives it.
type runState struct {
	g    *graph
	inst *api.WorkflowInstance
	wctx *api.WorkflowContext
	run  *activeRun
}

func (st *runState) handle(value any) *runHandle {
	return &runHandle{runID: st.inst.RunID, status: st.inst.Status, result: value, fut: st.run.fut}
}

// drive runs the step loop from st.inst.CurrentStepID until the run
// finishes, fails, suspends or hands work to the pool. When pending is set
// it is dispatched first instead of invoking the current step.
//
// Step failures end the run and are not returned; the error reports
// persistence and submission problems only.
func (e *Engine) drive(ctx context.Context, st *runState, input any, pending *api.StepResult) (value any, err error) {
	defer func() {
		if err != nil {
			e.runs.detach(st.inst.RunID, st.run, err)
		}
	}()
	for {
		if st.run.cancelled.Load() {
			return nil, e.failRun(ctx, st, api.ErrCancelled)
		}
		node, ok := st.g.steps[st.inst.CurrentStepID]
		if !ok {
			return nil, e.failRun(ctx, st, configErr(st.g.id, st.inst.CurrentStepID, "unknown step"))
		}

		var res api.StepResult
		if pending != nil {
			res, pending = *pending, nil
		} else {
			r, failure, err := e.attempts(ctx, st, node.def.ID, node.def.Retry, node.def.Timeout,
				func(ctx context.Context) (api.StepResult, error) {
					return node.def.Handler(ctx, st.wctx, input)
				})
			if err != nil {
				return nil, err
			}
			if failure != nil {
				return nil, e.failRun(ctx, st, failure)
			}
			res = r
		}

		switch res.Kind() {
		case api.KindContinue:
			next, err := st.g.route(node.def.ID, res.Payload())
			if err != nil {
				return nil, e.failRun(ctx, st, err)
			}
			st.wctx.SetStepOutput(node.def.ID, res.Payload())
			if err := e.snapshot(st); err != nil {
				return nil, e.failRun(ctx, st, fmt.Errorf("output of step %q: %w", node.def.ID, err))
			}
			st.inst.CurrentStepID = next
			st.inst.Attempt = 1
			if err := e.save(ctx, st); err != nil {
				return nil, err
			}
			input = res.Payload()

		case api.KindFinish:
			return e.complete(ctx, st, node, res)

		case api.KindSuspend:
			return e.suspend(ctx, st, res)

		case api.KindAsync:
			return e.dispatchAsync(ctx, st, node, res)

		default:
			return nil, e.failRun(ctx, st, fmt.Errorf("%w: %s", api.ErrInvalidResult, res))
		}
	}
}

func (e *Engine) complete(ctx context.Context, st *runState, node *stepNode, res api.StepResult) (any, error) {
	out, err := persistence.EncodeValue(res.Payload())
	if err != nil {
		return nil, e.failRun(ctx, st, fmt.Errorf("encode result of step %q: %w", node.def.ID, err))
	}
	st.wctx.SetStepOutput(node.def.ID, res.Payload())
	if err := e.snapshot(st); err != nil {
		return nil, e.failRun(ctx, st, err)
	}
	st.inst.Output = out
	st.inst.Prompt = nil
	if err := st.inst.Transition(api.TriggerComplete); err != nil {
		return nil, err
	}
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
		l.OnWorkflowCompleted(ctx, snap)
	})
	e.runs.finish(st.inst)
	return res.Payload(), nil
}

func (e *Engine) suspend(ctx context.Context, st *runState, res api.StepResult) (any, error) {
	prompt, err := persistence.EncodeValue(res.Payload())
	if err != nil {
		return nil, e.failRun(ctx, st, fmt.Errorf("encode prompt: %w", err))
	}
	if err := e.snapshot(st); err != nil {
		return nil, e.failRun(ctx, st, err)
	}
	st.inst.Prompt = prompt
	st.inst.ExpectedInputType = res.ExpectedInput()
	if err := st.inst.Transition(api.TriggerSuspend); err != nil {
		return nil, err
	}
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
		l.OnWorkflowSuspended(ctx, snap)
	})
	return res.Payload(), nil
}

// dispatchAsync parks the run with a pending task and submits it to the
// pool. The run stays RUNNING.
func (e *Engine) dispatchAsync(ctx context.Context, st *runState, node *stepNode, res api.StepResult) (any, error) {
	if !node.def.Async {
		return nil, e.failRun(ctx, st, fmt.Errorf("%w: step %q is not async-capable", api.ErrInvalidResult, node.def.ID))
	}
	if _, ok := st.g.tasks[res.TaskID()]; !ok {
		return nil, e.failRun(ctx, st, fmt.Errorf("%w: unknown async task %q", api.ErrInvalidResult, res.TaskID()))
	}
	prompt, err := persistence.EncodeValue(res.Payload())
	if err != nil {
		return nil, e.failRun(ctx, st, fmt.Errorf("encode immediate result: %w", err))
	}
	if err := e.snapshot(st); err != nil {
		return nil, e.failRun(ctx, st, err)
	}

	st.inst.PendingTaskID = res.TaskID()
	st.inst.Prompt = prompt
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	st.run.setProgress(api.Progress{TaskID: res.TaskID(), Estimate: res.Estimate(), UpdatedAt: e.now()})
	e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
		l.OnWorkflowSuspended(ctx, snap)
	})

	err = e.pool.Submit(taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeAsync,
		RunID:      st.inst.RunID,
		TaskID:     res.TaskID(),
		Args:       res.Args(),
		Estimate:   res.Estimate(),
		EnqueuedAt: e.now(),
	})
	if err != nil {
		err = fmt.Errorf("submit task %q of run %s: %w", res.TaskID(), st.inst.RunID, err)
		if ferr := e.failRun(ctx, st, err); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	return res.Payload(), nil
}

// failRun records cause and moves the run to FAILED. A context that no
// longer encodes is left at its last persisted state.
func (e *Engine) failRun(ctx context.Context, st *runState, cause error) error {
	if err := e.snapshot(st); err != nil {
		e.logger.WarnContext(ctx, "context_not_persisted", "run_id", st.inst.RunID, "error", err)
	}
	st.inst.Error = cause.Error()
	st.inst.PendingTaskID = ""
	if err := st.inst.Transition(api.TriggerFail); err != nil {
		return err
	}
	// Record the failure even when the caller's context is gone.
	if err := e.save(context.WithoutCancel(ctx), st); err != nil {
		return err
	}
	e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
		l.OnWorkflowFailed(ctx, snap, cause)
	})
	e.runs.finish(st.inst)
	return nil
}

// attempts invokes call until it yields a usable result or the retry
// strategy gives up. failure is the final step failure; err is a
// persistence or context error that stops the loop without a verdict.
func (e *Engine) attempts(
	ctx context.Context,
	st *runState,
	stepID string,
	policy *api.RetryPolicy,
	timeout time.Duration,
	call func(context.Context) (api.StepResult, error),
) (res api.StepResult, failure, err error) {
	if policy == nil {
		policy = e.cfg.DefaultRetry
	}
	first := e.now()
	n := max(st.inst.Attempt, 1)

	for {
		st.inst.Attempt = n
		e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
			l.OnStepStarted(ctx, snap, stepID, n)
		})

		began := e.now()
		start := time.Now()
		res, failure = e.invoke(ctx, stepID, n, timeout, call)
		elapsed := time.Since(start)

		entry := api.HistoryEntry{
			StepID:    stepID,
			Kind:      res.Kind(),
			Summary:   res.String(),
			Attempt:   n,
			Timestamp: e.now(),
			Duration:  elapsed,
		}
		if failure == nil {
			if err := st.inst.AppendHistory(entry); err != nil {
				return api.StepResult{}, nil, err
			}
			e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
				l.OnStepCompleted(ctx, snap, stepID, res, elapsed)
			})
			return res, nil, nil
		}

		entry.Kind = api.KindFail
		entry.Summary = ""
		entry.Error = failure.Error()
		if err := st.inst.AppendHistory(entry); err != nil {
			return api.StepResult{}, nil, err
		}

		rc := api.RetryContext{
			StepID:             stepID,
			AttemptNumber:      n,
			MaxAttempts:        policy.Attempts(),
			FirstAttemptTime:   first,
			CurrentAttemptTime: began,
		}
		willRetry := retryable(failure) && e.strategy.ShouldRetry(failure, rc, policy)
		e.notify(ctx, st.inst, func(l api.WorkflowExecutionListener, snap *api.WorkflowInstance) {
			l.OnStepFailed(ctx, snap, stepID, n, failure, willRetry)
		})
		if !willRetry {
			return api.StepResult{}, failure, nil
		}
		if ctx.Err() != nil {
			return api.StepResult{}, fmt.Errorf("retry of step %q abandoned: %w", stepID, ctx.Err()), nil
		}

		n++
		st.inst.Attempt = n
		if err := e.snapshot(st); err != nil {
			return api.StepResult{}, err, nil
		}
		if err := e.save(ctx, st); err != nil {
			return api.StepResult{}, nil, err
		}

		timer := time.NewTimer(e.strategy.CalculateDelay(rc, policy))
		select {
		case <-ctx.Done():
			timer.Stop()
			return api.StepResult{}, fmt.Errorf("retry of step %q abandoned: %w", stepID, ctx.Err()), nil
		case <-timer.C:
		}
		if st.run.cancelled.Load() {
			return api.StepResult{}, api.ErrCancelled, nil
		}
	}
}

// retryable filters out failures that would fail the same way again.
func retryable(failure error) bool {
	return !errors.Is(failure, api.ErrInvalidResult) && !errors.Is(failure, api.ErrNoRoute)
}

type outcome struct {
	res api.StepResult
	err error
}

// invoke runs one attempt with panic recovery and the step timeout, and
// classifies the outcome. A nil error means res is a non-Fail result.
func (e *Engine) invoke(
	ctx context.Context,
	stepID string,
	attempt int,
	timeout time.Duration,
	call func(context.Context) (api.StepResult, error),
) (api.StepResult, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	stepErr := func(kind api.FailureKind, err error) error {
		return &api.StepError{StepID: stepID, Attempt: attempt, Kind: kind, Err: err}
	}
	timedOut := func() bool {
		return timeout > 0 && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("step_panic", "step", stepID, "attempt", attempt, "panic", r, "stack", string(debug.Stack()))
				ch <- outcome{err: stepErr(api.FailurePanic, fmt.Errorf("panic: %v", r))}
			}
		}()
		res, err := call(callCtx)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-callCtx.Done():
		if timedOut() {
			return api.StepResult{}, stepErr(api.FailureTimeout, fmt.Errorf("exceeded %s: %w", timeout, context.DeadlineExceeded))
		}
		return api.StepResult{}, stepErr(api.FailureError, ctx.Err())
	}

	var se *api.StepError
	switch {
	case errors.As(out.err, &se) && se.StepID == stepID && se.Attempt == attempt:
		return api.StepResult{}, out.err
	case out.err != nil && timedOut():
		return api.StepResult{}, stepErr(api.FailureTimeout, fmt.Errorf("exceeded %s: %w", timeout, out.err))
	case out.err != nil:
		return api.StepResult{}, stepErr(api.FailureError, out.err)
	case !out.res.Valid():
		return api.StepResult{}, stepErr(api.FailureError, fmt.Errorf("%w: handler returned a zero result", api.ErrInvalidResult))
	case out.res.Kind() == api.KindFail:
		return api.StepResult{}, stepErr(api.FailureFailResult, out.res.Err())
	}
	return out.res, nil
}

// checkpoint snapshots the context and saves st.
func (e *Engine) checkpoint(ctx context.Context, st *runState) error {
	if err := e.snapshot(st); err != nil {
		return err
	}
	return e.save(ctx, st)
}

// snapshot encodes the workflow context into the instance. On failure the
// previous encoding is kept.
func (e *Engine) snapshot(st *runState) error {
	if st.wctx == nil {
		return nil
	}
	data, err := persistence.EncodeContext(st.wctx)
	if err != nil {
		return fmt.Errorf("encode context of run %s: %w", st.inst.RunID, err)
	}
	st.inst.Context = data
	return nil
}

// save persists st, retrying transient repository errors. Lost version
// races are returned immediately.
func (e *Engine) save(ctx context.Context, st *runState) error {
	now := e.now()
	st.inst.UpdatedAt = now
	st.inst.TotalDuration = now.Sub(st.inst.CreatedAt)

	backoff := retry.WithMaxRetries(uint64(e.cfg.PersistRetries), retry.NewExponential(e.cfg.PersistBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.repo.Save(ctx, st.inst)
		switch {
		case err == nil,
			errors.Is(err, api.ErrConcurrentModification),
			errors.Is(err, api.ErrRunNotFound),
			ctx.Err() != nil:
			return err
		}
		e.logger.WarnContext(ctx, "checkpoint_retry", "run_id", st.inst.RunID, "error", err)
		return retry.RetryableError(err)
	})
}
