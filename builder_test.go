package stepflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func passThrough(ctx context.Context, wctx *WorkflowContext, input any) (StepResult, error) {
	return Finish(input), nil
}

func TestFlowBuilder_Definition(t *testing.T) {
	b := New("sample").
		Step("a", passThrough, Next("b", "c"), WithTimeout(time.Second), AsyncCapable()).
		Step("b", passThrough, Input[approved](), WithRetry(Retry(2).Policy())).
		Step("c", passThrough, Input[rejected](), RouteByInput[approved]()).
		AsyncTask("t", func(context.Context, *WorkflowContext, map[string]any, AsyncProgressReporter) (StepResult, error) {
			return Finish(nil), nil
		}, TaskRetry(Retry(4).Policy()))

	assert.Equal(t, "sample", b.ID())

	def := b.Definition()
	require.Len(t, def.Steps, 3)
	assert.True(t, def.Steps[0].Initial, "first step defaults to initial")
	assert.Equal(t, []string{"b", "c"}, def.Steps[0].Next)
	assert.Equal(t, time.Second, def.Steps[0].Timeout)
	assert.True(t, def.Steps[0].Async)
	assert.Equal(t, 2, def.Steps[1].Retry.MaxAttempts)
	require.Len(t, def.Steps[2].Routes, 1)
	assert.Empty(t, def.Steps[2].Routes[0].Next)

	require.Len(t, def.AsyncTasks, 1)
	assert.Equal(t, 4, def.AsyncTasks[0].Retry.MaxAttempts)

	// Definition returns a copy.
	def.Steps[0].ID = "mutated"
	assert.Equal(t, "a", b.Definition().Steps[0].ID)
}

func TestFlowBuilder_ExplicitInitial(t *testing.T) {
	def := New("explicit").
		Step("b", passThrough).
		Step("a", passThrough, Initial(), Next("b")).
		Definition()

	assert.False(t, def.Steps[0].Initial)
	assert.True(t, def.Steps[1].Initial)
}

func TestFlowBuilder_PanicsOnMisuse(t *testing.T) {
	assert.PanicsWithValue(t, "stepflow: step id must not be empty", func() {
		New("x").Step("", passThrough)
	})
	assert.PanicsWithValue(t, `stepflow: step "s" has nil handler`, func() {
		New("x").Step("s", nil)
	})
	assert.Panics(t, func() {
		New("x").AsyncTask("t", nil)
	})
}

func TestFlowBuilder_RegisterReportsConfigurationErrors(t *testing.T) {
	eng := newEngine(t)

	err := New("broken").Step("a", passThrough, Next("ghost")).Register(eng)
	assert.ErrorIs(t, err, api.ErrConfiguration)

	assert.Panics(t, func() {
		New("").Step("a", passThrough).MustRegister(eng)
	})
}
