package api

import (
	"context"
	"time"
)

// Engine is the caller-facing workflow engine API.
type Engine interface {
	// Register validates def and compiles its routing graph. Registering an
	// id again replaces the previous graph for new and resumed runs.
	Register(def WorkflowDefinition) error

	// Execute starts a run of workflowID and drives it until it finishes,
	// fails, suspends or hands work to the async pool.
	//
	// Step failures are recorded in the instance and never returned here;
	// the error is reserved for unknown workflows, persistence and state
	// errors.
	Execute(ctx context.Context, workflowID string, trigger any, opts ...ExecuteOption) (RunHandle, error)

	// Resume continues a SUSPENDED run with input. input must carry the
	// type tag the run is waiting for.
	Resume(ctx context.Context, runID string, input any) (RunHandle, error)

	// ResumeAsync validates like Resume, moves the run to RUNNING and then
	// continues it on the worker pool. If the pool rejects the work the run
	// fails and the error is returned.
	ResumeAsync(ctx context.Context, runID string, input any) (RunHandle, error)

	GetWorkflowInstance(ctx context.Context, runID string) (*WorkflowInstance, error)

	// GetCurrentResult reports the externally visible state of a run,
	// including async progress when a task is in flight.
	GetCurrentResult(ctx context.Context, runID string) (RunResult, error)

	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	CountByStatus(ctx context.Context, status Status) (int, error)

	// AddListener registers l under name, replacing any listener with the
	// same name.
	AddListener(name string, l WorkflowExecutionListener)
	RemoveListener(name string)

	// Cancel requests cooperative cancellation. Suspended runs fail
	// immediately; runs with async work in flight see IsCancelled on their
	// reporter.
	Cancel(ctx context.Context, runID string) error

	// RecoverStuckInstances marks RUNNING runs that no live loop owns as
	// FAILED. Call it on startup before accepting work.
	RecoverStuckInstances(ctx context.Context) (int, error)

	// PurgeOlderThan deletes terminal runs last updated before cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close stops the worker pool and waits for in-flight tasks.
	Close(ctx context.Context) error
}

// RunHandle tracks one run. Handles returned for the same run share state.
type RunHandle interface {
	RunID() string

	// Result is the value produced when the call returned: the Finish result,
	// the Suspend prompt or the Async immediate payload. Nil for failed runs.
	Result() any

	// Status is the status observed when the call returned.
	Status() Status

	IsSuspended() bool
	IsCompleted() bool
	IsFailed() bool

	// Done is closed once the run reaches a terminal status in this engine.
	Done() <-chan struct{}

	// Wait blocks until the run is terminal. The error only reports ctx
	// cancellation; a failed run is returned as an instance with
	// StatusFailed.
	Wait(ctx context.Context) (*WorkflowInstance, error)
}

// RunResult is the snapshot returned by GetCurrentResult.
type RunResult struct {
	RunID  string
	Status Status
	// Value is the Finish result when COMPLETED, the prompt when SUSPENDED,
	// or the async immediate value while a task is pending.
	Value any
	Error string
	// LastAttemptError is the error of the most recent failed attempt, set
	// even when a retry later succeeded.
	LastAttemptError string
	Progress         *Progress
}

// ExecuteOption customizes Execute.
type ExecuteOption func(*ExecuteOptions)

// ExecuteOptions holds the resolved Execute options.
type ExecuteOptions struct {
	CorrelationID string
	RunID         string
}

// WithCorrelationID sets the caller-supplied instance id stored on the run.
func WithCorrelationID(id string) ExecuteOption {
	return func(o *ExecuteOptions) { o.CorrelationID = id }
}

// WithRunID forces the run id instead of generating one.
func WithRunID(id string) ExecuteOption {
	return func(o *ExecuteOptions) { o.RunID = id }
}

// ApplyExecuteOptions resolves opts.
func ApplyExecuteOptions(opts ...ExecuteOption) ExecuteOptions {
	var o ExecuteOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
