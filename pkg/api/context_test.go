package api

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowContext_CustomData(t *testing.T) {
	c := NewWorkflowContext("run-1", "chat-7", "hello")

	assert.Equal(t, "run-1", c.RunID())
	assert.Equal(t, "chat-7", c.InstanceID())
	assert.Equal(t, "hello", c.TriggerData())

	c.Set("b", 2)
	c.Set("a", "one")
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	c.Set("a", nil)
	_, ok = c.Get("a")
	assert.False(t, ok, "setting nil removes the key")

	c.Delete("b")
	assert.Empty(t, c.Keys())
}

func TestWorkflowContext_TypedGetters(t *testing.T) {
	c := NewWorkflowContext("run-1", "", nil)
	c.Set("count", 3)

	n, err := GetAs[int](c, "count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = GetAs[int](c, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = GetAs[string](c, "count")
	var tm *TypeMismatchError
	require.True(t, errors.As(err, &tm))
	assert.Equal(t, "count", tm.Key)
	assert.Equal(t, TypeTag("string"), tm.Expected)
	assert.Equal(t, TypeTag("int"), tm.Got)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.Equal(t, "fallback", GetOr(c, "count", "fallback"))
	assert.Equal(t, 3, GetOr(c, "count", 0))
	assert.Equal(t, 9, GetOr(c, "missing", 9))
}

func TestWorkflowContext_StepOutputs(t *testing.T) {
	c := NewWorkflowContext("run-1", "", nil)
	c.SetStepOutput("classify", approval{Approved: true})
	c.SetStepOutput("classify", approval{Approved: false})

	got, err := StepOutputAs[approval](c, "classify")
	require.NoError(t, err)
	assert.False(t, got.Approved, "re-execution overwrites the output")

	outs := c.StepOutputs()
	outs["classify"] = "tampered"
	got, err = StepOutputAs[approval](c, "classify")
	require.NoError(t, err, "StepOutputs must return a copy")
	assert.False(t, got.Approved)

	c.SetStepOutput("classify", nil)
	_, err = StepOutputAs[approval](c, "classify")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestWorkflowContext_SnapshotRestore(t *testing.T) {
	c := NewWorkflowContext("run-1", "corr", "trigger")
	c.Set("k", "v")
	c.SetStepOutput("s1", 10)

	snap := c.Snapshot()
	c.Set("k", "changed")

	r := RestoreContext(snap)
	assert.Equal(t, "run-1", r.RunID())
	assert.Equal(t, "corr", r.InstanceID())
	assert.Equal(t, "trigger", r.TriggerData())
	v, _ := r.Get("k")
	assert.Equal(t, "v", v)
	out, _ := r.StepOutput("s1")
	assert.Equal(t, 10, out)
}

func TestWorkflowContext_ConcurrentAccess(t *testing.T) {
	c := NewWorkflowContext("run-1", "", nil)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			for j := range 100 {
				c.Set(key, j)
				_, _ = c.Get(key)
				_ = c.Keys()
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, c.Keys(), 16)
}
