package api

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a rejected workflow definition. Never retried.
	ErrConfiguration = errors.New("stepflow: invalid workflow configuration")

	// ErrInvalidState is returned when an operation is not permitted in the
	// run's current status (resume on a non-suspended run, mutation of a
	// terminal instance).
	ErrInvalidState = errors.New("stepflow: invalid state")

	// ErrTypeMismatch is returned when a resume payload does not match the
	// input type recorded at suspension.
	ErrTypeMismatch = errors.New("stepflow: type mismatch")

	// ErrConcurrentModification is returned by repositories when a save
	// loses an optimistic version check.
	ErrConcurrentModification = errors.New("stepflow: concurrent modification")

	ErrStepFailed  = errors.New("stepflow: step failed")
	ErrStepTimeout = errors.New("stepflow: step timed out")

	ErrWorkflowNotFound = errors.New("stepflow: workflow not found")
	ErrRunNotFound      = errors.New("stepflow: run not found")

	// ErrPoolSaturated is returned when the async pool cannot accept more work.
	ErrPoolSaturated = errors.New("stepflow: execution pool saturated")

	ErrCancelled   = errors.New("stepflow: cancelled")
	ErrInterrupted = errors.New("stepflow: run interrupted")

	// ErrNoRoute is returned when a Continue payload matches no declared route.
	ErrNoRoute = errors.New("stepflow: no route for payload")

	// ErrInvalidResult is returned when a handler yields a zero StepResult
	// or a variant its step is not allowed to produce.
	ErrInvalidResult = errors.New("stepflow: invalid step result")

	ErrKeyNotFound  = errors.New("stepflow: key not found")
	ErrEngineClosed = errors.New("stepflow: engine closed")
)

// ConfigurationError describes why a workflow definition was rejected.
type ConfigurationError struct {
	WorkflowID string
	StepID     string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("stepflow: workflow %q step %q: %s", e.WorkflowID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("stepflow: workflow %q: %s", e.WorkflowID, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// InvalidStateError is returned when an operation hits a run in the wrong status.
type InvalidStateError struct {
	RunID  string
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("stepflow: cannot %s run %s in status %s", e.Op, e.RunID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// TypeMismatchError reports an unexpected value type.
type TypeMismatchError struct {
	RunID    string
	Key      string
	Expected TypeTag
	Got      TypeTag
}

func (e *TypeMismatchError) Error() string {
	subject := "value"
	switch {
	case e.RunID != "":
		subject = "resume input for run " + e.RunID
	case e.Key != "":
		subject = "context key " + e.Key
	}
	return fmt.Sprintf("stepflow: %s: expected %s, got %s", subject, e.Expected, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// FailureKind classifies a step failure.
type FailureKind string

const (
	FailureError      FailureKind = "ERROR"
	FailureFailResult FailureKind = "FAIL_RESULT"
	FailureTimeout    FailureKind = "TIMEOUT"
	FailurePanic      FailureKind = "PANIC"
)

// StepError wraps any failure produced while executing a step: a returned
// error, a Fail result, a timeout or a recovered panic.
type StepError struct {
	StepID  string
	Attempt int
	Kind    FailureKind
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("stepflow: step %q attempt %d (%s): %v", e.StepID, e.Attempt, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool {
	if target == ErrStepFailed {
		return true
	}
	return target == ErrStepTimeout && e.Kind == FailureTimeout
}

// IsBusinessFailure reports whether err originates from a Fail result rather
// than a returned error, panic or timeout.
func IsBusinessFailure(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == FailureFailResult
}
