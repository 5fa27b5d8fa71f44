package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// WorkflowExecutionListener receives callbacks from the engine for logging
// and metrics.
//
// Implementations should be fast and non-blocking. A panicking listener is
// recovered and logged; it never affects the run. The instance passed to a
// callback is a snapshot and must not be retained for mutation.
type WorkflowExecutionListener interface {
	// OnWorkflowStarted is called once per run, after the instance is first
	// persisted and before the initial step executes.
	OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance)

	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnWorkflowSuspended is called every time the run parks, waiting either
	// for Resume input or for an async task.
	OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance)

	// OnStepStarted is called before each attempt. attempt is 1-based.
	OnStepStarted(ctx context.Context, inst *WorkflowInstance, stepID string, attempt int)

	// OnStepCompleted is called when an attempt produces a non-FAIL result.
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepID string, result StepResult, d time.Duration)

	// OnStepFailed is called for every failed attempt. willRetry reports
	// whether the engine scheduled another attempt.
	OnStepFailed(ctx context.Context, inst *WorkflowInstance, stepID string, attempt int, err error, willRetry bool)
}

// ProgressListener is implemented by listeners interested in async task
// progress. Delivery is throttled per run.
type ProgressListener interface {
	OnAsyncProgress(ctx context.Context, runID string, p Progress)
}

// NoopListener does nothing. Embed it to implement only a few callbacks.
type NoopListener struct{}

func (NoopListener) OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance)               {}
func (NoopListener) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopListener) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)     {}
func (NoopListener) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance)             {}
func (NoopListener) OnStepStarted(ctx context.Context, inst *WorkflowInstance, id string, n int) {}
func (NoopListener) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, id string, r StepResult, d time.Duration) {
}
func (NoopListener) OnStepFailed(ctx context.Context, inst *WorkflowInstance, id string, n int, err error, retry bool) {
}

// CompositeListener fans out events to multiple listeners.
type CompositeListener struct {
	listeners []WorkflowExecutionListener
}

// NewCompositeListener creates a listener that forwards events to each
// non-nil listener in ls.
func NewCompositeListener(ls ...WorkflowExecutionListener) WorkflowExecutionListener {
	filtered := make([]WorkflowExecutionListener, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			filtered = append(filtered, l)
		}
	}
	if len(filtered) == 0 {
		return NoopListener{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeListener{listeners: filtered}
}

func (c *CompositeListener) OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance) {
	for _, l := range c.listeners {
		l.OnWorkflowStarted(ctx, inst)
	}
}

func (c *CompositeListener) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, l := range c.listeners {
		l.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeListener) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, l := range c.listeners {
		l.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeListener) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance) {
	for _, l := range c.listeners {
		l.OnWorkflowSuspended(ctx, inst)
	}
}

func (c *CompositeListener) OnStepStarted(ctx context.Context, inst *WorkflowInstance, id string, n int) {
	for _, l := range c.listeners {
		l.OnStepStarted(ctx, inst, id, n)
	}
}

func (c *CompositeListener) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, id string, r StepResult, d time.Duration) {
	for _, l := range c.listeners {
		l.OnStepCompleted(ctx, inst, id, r, d)
	}
}

func (c *CompositeListener) OnStepFailed(ctx context.Context, inst *WorkflowInstance, id string, n int, err error, retry bool) {
	for _, l := range c.listeners {
		l.OnStepFailed(ctx, inst, id, n, err, retry)
	}
}

func (c *CompositeListener) OnAsyncProgress(ctx context.Context, runID string, p Progress) {
	for _, l := range c.listeners {
		if pl, ok := l.(ProgressListener); ok {
			pl.OnAsyncProgress(ctx, runID, p)
		}
	}
}

// LoggingListener writes structured logs using log/slog.
type LoggingListener struct {
	Logger *slog.Logger
}

// NewLoggingListener creates a listener that logs run and step lifecycle
// events. If logger is nil, slog.Default() is used.
func NewLoggingListener(logger *slog.Logger) WorkflowExecutionListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingListener{Logger: logger}
}

func (o *LoggingListener) OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_started",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
	)
}

func (o *LoggingListener) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.Duration("total", inst.TotalDuration),
	)
}

func (o *LoggingListener) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.String("step", inst.CurrentStepID),
		slog.Any("error", err),
	)
}

func (o *LoggingListener) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_suspended",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.String("step", inst.CurrentStepID),
		slog.String("expected_input", string(inst.ExpectedInputType)),
		slog.String("pending_task", inst.PendingTaskID),
	)
}

func (o *LoggingListener) OnStepStarted(ctx context.Context, inst *WorkflowInstance, id string, n int) {
	o.Logger.DebugContext(ctx, "step_started",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.String("step", id),
		slog.Int("attempt", n),
	)
}

func (o *LoggingListener) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, id string, r StepResult, d time.Duration) {
	o.Logger.DebugContext(ctx, "step_completed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.String("step", id),
		slog.String("result", string(r.Kind())),
		slog.Duration("duration", d),
	)
}

func (o *LoggingListener) OnStepFailed(ctx context.Context, inst *WorkflowInstance, id string, n int, err error, retry bool) {
	level := slog.LevelError
	if retry {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_failed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("run_id", inst.RunID),
		slog.String("step", id),
		slog.Int("attempt", n),
		slog.Bool("will_retry", retry),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// Combine it with other listeners via NewCompositeListener.
type BasicMetrics struct {
	NoopListener

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	suspensions        atomic.Int64
	stepsCompleted     atomic.Int64
	stepRetries        atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64
	Suspensions        int64

	StepsCompleted  int64
	StepRetries     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance) {
	m.suspensions.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, id string, r StepResult, d time.Duration) {
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepFailed(ctx context.Context, inst *WorkflowInstance, id string, n int, err error, retry bool) {
	if retry {
		m.stepRetries.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		PendingWorkflows:   started - completed - failed,
		Suspensions:        m.suspensions.Load(),
		StepsCompleted:     steps,
		StepRetries:        m.stepRetries.Load(),
		AvgStepDuration:    avg,
	}
}
