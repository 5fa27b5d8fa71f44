package stepflow

import (
	"fmt"
	"reflect"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining type-routed workflows:
//
//	flow := stepflow.New("approval").
//	    Step("request", request, stepflow.Initial(), stepflow.Next("review")).
//	    Step("review", review, stepflow.Route[Approved]("ship"), stepflow.Route[Rejected]("notify")).
//	    Step("ship", ship, stepflow.Input[Approved]()).
//	    Step("notify", notify, stepflow.Input[Rejected]())
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	h, err := engine.Execute(ctx, flow.ID(), order)
//
// The first step added is the entry step unless another step is marked
// with Initial.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// StepOption customizes a step added with FlowBuilder.Step.
type StepOption func(*api.StepDefinition)

// TaskOption customizes an async task added with FlowBuilder.AsyncTask.
type TaskOption func(*api.AsyncTaskDefinition)

// New creates a new workflow builder with the given id.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{ID: id},
	}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Definition returns the underlying WorkflowDefinition. The first step is
// marked initial when no step claims it.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	def.AsyncTasks = append([]api.AsyncTaskDefinition(nil), b.def.AsyncTasks...)
	if len(def.Steps) > 0 {
		hasInitial := false
		for _, s := range def.Steps {
			hasInitial = hasInitial || s.Initial
		}
		if !hasInitial {
			def.Steps[0].Initial = true
		}
	}
	return def
}

// Step appends a step to the workflow.
func (b *FlowBuilder) Step(id string, h StepHandler, opts ...StepOption) *FlowBuilder {
	if id == "" {
		panic("stepflow: step id must not be empty")
	}
	if h == nil {
		panic(fmt.Sprintf("stepflow: step %q has nil handler", id))
	}

	s := api.StepDefinition{ID: id, Handler: h}
	for _, opt := range opts {
		opt(&s)
	}
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// AsyncTask declares a background task that steps marked AsyncCapable can
// hand off to with Async results.
func (b *FlowBuilder) AsyncTask(id string, h AsyncHandler, opts ...TaskOption) *FlowBuilder {
	if id == "" {
		panic("stepflow: async task id must not be empty")
	}
	if h == nil {
		panic(fmt.Sprintf("stepflow: async task %q has nil handler", id))
	}

	t := api.AsyncTaskDefinition{ID: id, Handler: h}
	for _, opt := range opts {
		opt(&t)
	}
	b.def.AsyncTasks = append(b.def.AsyncTasks, t)
	return b
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.Register(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Initial marks the entry step.
func Initial() StepOption {
	return func(s *api.StepDefinition) { s.Initial = true }
}

// Next adds candidate successors. Continue payloads go to the candidate
// whose input type matches.
func Next(ids ...string) StepOption {
	return func(s *api.StepDefinition) { s.Next = append(s.Next, ids...) }
}

// Input restricts the step to payloads of type T. T may be an interface.
func Input[T any]() StepOption {
	t := reflect.TypeFor[T]()
	return func(s *api.StepDefinition) { s.InputType = t }
}

// Route sends Continue payloads of type T to next.
func Route[T any](next string) StepOption {
	r := api.RouteTo[T](next)
	return func(s *api.StepDefinition) { s.Routes = append(s.Routes, r) }
}

// RouteByInput sends Continue payloads of type T to the step declaring
// Input[T].
func RouteByInput[T any]() StepOption {
	r := api.RouteByInput[T]()
	return func(s *api.StepDefinition) { s.Routes = append(s.Routes, r) }
}

// WithRetry sets the step's retry policy.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *api.StepDefinition) { s.Retry = &p }
}

// WithTimeout bounds each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(s *api.StepDefinition) { s.Timeout = d }
}

// AsyncCapable allows the step to return Async results.
func AsyncCapable() StepOption {
	return func(s *api.StepDefinition) { s.Async = true }
}

// TaskTimeout bounds each attempt of an async task.
func TaskTimeout(d time.Duration) TaskOption {
	return func(t *api.AsyncTaskDefinition) { t.Timeout = d }
}

// TaskRetry overrides the issuing step's retry policy for the task.
func TaskRetry(p RetryPolicy) TaskOption {
	return func(t *api.AsyncTaskDefinition) { t.Retry = &p }
}
