package api

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approval struct {
	Approved bool
}

type taggedDecision struct{ Note string }

func (taggedDecision) TypeTag() TypeTag { return "decision.v1" }

func TestStepResult_Variants(t *testing.T) {
	c := Continue(42)
	assert.Equal(t, KindContinue, c.Kind())
	assert.Equal(t, 42, c.Payload())
	assert.True(t, c.Valid())

	f := Finish("done")
	assert.Equal(t, KindFinish, f.Kind())
	assert.Equal(t, "done", f.Payload())

	s := SuspendFor[approval]("please approve")
	assert.Equal(t, KindSuspend, s.Kind())
	assert.Equal(t, "please approve", s.Payload())
	assert.Equal(t, TypeOf[approval](), s.ExpectedInput())

	args := map[string]any{"doc": "a"}
	a := Async("index", time.Minute, args, "queued")
	args["doc"] = "mutated"
	assert.Equal(t, KindAsync, a.Kind())
	assert.Equal(t, "index", a.TaskID())
	assert.Equal(t, time.Minute, a.Estimate())
	assert.Equal(t, "a", a.Args()["doc"], "args must be copied on construction")
	assert.Equal(t, "queued", a.Payload())

	boom := errors.New("boom")
	fl := Fail(boom)
	assert.Equal(t, KindFail, fl.Kind())
	assert.ErrorIs(t, fl.Err(), boom)
}

func TestStepResult_ZeroValueIsInvalid(t *testing.T) {
	var r StepResult
	assert.False(t, r.Valid())
	assert.Equal(t, "INVALID", r.String())
}

func TestFail_NilErrorDefaults(t *testing.T) {
	r := Fail(nil)
	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), ErrStepFailed)

	r = Failf("quota %d exceeded", 3)
	assert.EqualError(t, r.Err(), "quota 3 exceeded")
}

func TestStepResult_String(t *testing.T) {
	assert.Equal(t, "SUSPEND(expect=decision.v1)", Suspend(nil, TypeOf[taggedDecision]()).String())
	assert.Contains(t, Continue(approval{}).String(), "api.approval")
	assert.Equal(t, "ASYNC(task=t1, estimate=1s)", Async("t1", time.Second, nil, nil).String())
}

func TestTypeTags(t *testing.T) {
	assert.Equal(t, TypeTag("github.com/petrijr/stepflow/pkg/api.approval"), TypeOf[approval]())
	assert.Equal(t, TypeOf[approval](), TagOf(approval{Approved: true}))

	// Tagged types supply their own discriminator.
	assert.Equal(t, TypeTag("decision.v1"), TypeOf[taggedDecision]())
	assert.Equal(t, TypeTag("decision.v1"), TagOf(taggedDecision{Note: "x"}))

	assert.Equal(t, TypeTag("string"), TypeOf[string]())
	assert.Equal(t, TypeTag("map[string]interface {}"), TagOf(map[string]any{}))
	assert.Equal(t, TypeTag(""), TagOf(nil))

	// Pointers are distinct shapes.
	assert.NotEqual(t, TypeOf[approval](), TypeOf[*approval]())
}
