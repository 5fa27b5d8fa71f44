package api

import (
	"context"
	"reflect"
	"time"
)

// StepHandler executes one step. A returned error is treated exactly like
// Fail(err).
type StepHandler func(ctx context.Context, wctx *WorkflowContext, input any) (StepResult, error)

// AsyncHandler executes a background task issued by an Async result. Its
// result re-enters the step loop as if the issuing step had returned it.
type AsyncHandler func(ctx context.Context, wctx *WorkflowContext, args map[string]any, progress AsyncProgressReporter) (StepResult, error)

// Route maps a payload type to the step that receives it. An empty Next
// resolves to the unique step whose InputType is Type.
type Route struct {
	Type reflect.Type
	Next string
}

// RouteTo routes payloads of type T to next.
func RouteTo[T any](next string) Route {
	return Route{Type: reflect.TypeFor[T](), Next: next}
}

// RouteByInput routes payloads of type T to the step accepting T.
func RouteByInput[T any]() Route {
	return Route{Type: reflect.TypeFor[T]()}
}

// StepDefinition declares one step of a workflow graph.
type StepDefinition struct {
	ID      string
	Handler StepHandler

	// InputType is the payload type the step accepts. Nil accepts anything.
	InputType reflect.Type

	// Initial marks the entry step. Exactly one step must set it.
	Initial bool

	// Next lists candidate successors; Continue payloads are dispatched to
	// the candidate whose InputType matches. A single candidate without an
	// InputType receives every payload.
	Next []string

	// Routes declares explicit type-to-step dispatch.
	Routes []Route

	Retry   *RetryPolicy
	Timeout time.Duration

	// Async allows the step to return Async results.
	Async bool
}

// AsyncTaskDefinition declares a background task addressable by Async results.
type AsyncTaskDefinition struct {
	ID      string
	Handler AsyncHandler
	Timeout time.Duration
	// Retry overrides the issuing step's policy for task failures.
	Retry *RetryPolicy
}

// WorkflowDefinition describes a workflow graph.
type WorkflowDefinition struct {
	ID         string
	Steps      []StepDefinition
	AsyncTasks []AsyncTaskDefinition
}

// Step returns the step with the given id.
func (d WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}
