package api

import (
	"fmt"
	"maps"
	"time"
)

// ResultKind identifies the active variant of a StepResult.
type ResultKind string

const (
	KindContinue ResultKind = "CONTINUE"
	KindFinish   ResultKind = "FINISH"
	KindSuspend  ResultKind = "SUSPEND"
	KindAsync    ResultKind = "ASYNC"
	KindFail     ResultKind = "FAIL"
)

// StepResult is the outcome of a single step invocation. It is a closed
// union: construct it with Continue, Finish, Suspend, Async or Fail. The
// zero value is not a valid result.
type StepResult struct {
	kind     ResultKind
	payload  any
	expected TypeTag
	taskID   string
	estimate time.Duration
	args     map[string]any
	err      error
}

// Continue proceeds to the step selected by routing on payload's type.
func Continue(payload any) StepResult {
	return StepResult{kind: KindContinue, payload: payload}
}

// Finish ends the run successfully with result.
func Finish(result any) StepResult {
	return StepResult{kind: KindFinish, payload: result}
}

// Suspend parks the run until Resume is called with a value tagged expected.
// An empty expected tag accepts any input.
func Suspend(prompt any, expected TypeTag) StepResult {
	return StepResult{kind: KindSuspend, payload: prompt, expected: expected}
}

// SuspendFor is Suspend with the expected input given as a type parameter.
func SuspendFor[T any](prompt any) StepResult {
	return Suspend(prompt, TypeOf[T]())
}

// Async hands taskID to the background pool and returns immediate to the
// caller right away.
func Async(taskID string, estimate time.Duration, args map[string]any, immediate any) StepResult {
	return StepResult{
		kind:     KindAsync,
		payload:  immediate,
		taskID:   taskID,
		estimate: estimate,
		args:     maps.Clone(args),
	}
}

// Fail reports a business or technical failure for this step.
func Fail(err error) StepResult {
	if err == nil {
		err = ErrStepFailed
	}
	return StepResult{kind: KindFail, err: err}
}

// Failf is Fail with a formatted error.
func Failf(format string, args ...any) StepResult {
	return Fail(fmt.Errorf(format, args...))
}

func (r StepResult) Kind() ResultKind { return r.kind }

// Valid reports whether r was built by one of the constructors.
func (r StepResult) Valid() bool { return r.kind != "" }

// Payload returns the Continue payload, Finish result, Suspend prompt or
// Async immediate value.
func (r StepResult) Payload() any { return r.payload }

func (r StepResult) ExpectedInput() TypeTag { return r.expected }

func (r StepResult) TaskID() string { return r.taskID }

func (r StepResult) Estimate() time.Duration { return r.estimate }

func (r StepResult) Args() map[string]any { return maps.Clone(r.args) }

func (r StepResult) Err() error { return r.err }

// String renders a short summary used in execution history.
func (r StepResult) String() string {
	switch r.kind {
	case KindContinue, KindFinish:
		return fmt.Sprintf("%s(%s)", r.kind, TagOf(r.payload))
	case KindSuspend:
		return fmt.Sprintf("%s(expect=%s)", r.kind, r.expected)
	case KindAsync:
		return fmt.Sprintf("%s(task=%s, estimate=%s)", r.kind, r.taskID, r.estimate)
	case KindFail:
		return fmt.Sprintf("%s(%v)", r.kind, r.err)
	default:
		return "INVALID"
	}
}
