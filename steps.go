package stepflow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/petrijr/stepflow/pkg/api"
)

// TypedStep wraps a handler that takes a concrete input type. A payload of
// any other type fails the step with ErrTypeMismatch.
//
//	stepflow.TypedStep(func(ctx context.Context, wctx *stepflow.WorkflowContext, o Order) (stepflow.StepResult, error) { ... })
func TypedStep[I any](fn func(context.Context, *WorkflowContext, I) (StepResult, error)) StepHandler {
	return func(ctx context.Context, wctx *api.WorkflowContext, input any) (api.StepResult, error) {
		in, err := cast[I](input)
		if err != nil {
			return api.Fail(err), nil
		}
		return fn(ctx, wctx, in)
	}
}

// ContinueWith wraps a plain transformation whose output is routed to the
// next step.
func ContinueWith[I, O any](fn func(context.Context, I) (O, error)) StepHandler {
	return TypedStep(func(ctx context.Context, _ *WorkflowContext, in I) (StepResult, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return StepResult{}, err
		}
		return api.Continue(out), nil
	})
}

// FinishWith wraps a plain transformation whose output completes the run.
func FinishWith[I, O any](fn func(context.Context, I) (O, error)) StepHandler {
	return TypedStep(func(ctx context.Context, _ *WorkflowContext, in I) (StepResult, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return StepResult{}, err
		}
		return api.Finish(out), nil
	})
}

// TypedAsync wraps an async handler whose result completes the run.
func TypedAsync[O any](fn func(context.Context, *WorkflowContext, map[string]any, AsyncProgressReporter) (O, error)) AsyncHandler {
	return func(ctx context.Context, wctx *api.WorkflowContext, args map[string]any, p api.AsyncProgressReporter) (api.StepResult, error) {
		out, err := fn(ctx, wctx, args, p)
		if err != nil {
			return api.StepResult{}, err
		}
		return api.Finish(out), nil
	}
}

func cast[I any](input any) (I, error) {
	if v, ok := input.(I); ok {
		return v, nil
	}
	var zero I
	if input == nil {
		switch reflect.TypeFor[I]().Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return zero, nil
		}
	}
	return zero, fmt.Errorf("%w: step input is %T, want %s", api.ErrTypeMismatch, input, reflect.TypeFor[I]())
}
