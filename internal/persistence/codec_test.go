package persistence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

type nestedPayload struct {
	Items []samplePayload
	Meta  map[string]any
}

func TestEncodeDecodeValue(t *testing.T) {
	data, err := EncodeValue(samplePayload{Msg: "hi", N: 7})
	require.NoError(t, err)

	v, err := DecodeValue[samplePayload](data)
	require.NoError(t, err)
	assert.Equal(t, samplePayload{Msg: "hi", N: 7}, v)

	anyV, err := DecodeAny(data)
	require.NoError(t, err)
	assert.Equal(t, samplePayload{Msg: "hi", N: 7}, anyV)
}

func TestDecodeValue_Empty(t *testing.T) {
	data, err := EncodeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	v, err := DecodeValue[samplePayload](nil)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestDecodeValue_WrongType(t *testing.T) {
	data, err := EncodeValue("text")
	require.NoError(t, err)

	_, err = DecodeValue[samplePayload](data)
	var tm *api.TypeMismatchError
	require.True(t, errors.As(err, &tm))
	assert.Equal(t, api.TypeTag("string"), tm.Got)
}

func TestRegisterTypes_Nested(t *testing.T) {
	RegisterTypes(nestedPayload{})
	RegisterTypes(nestedPayload{}) // idempotent

	in := nestedPayload{
		Items: []samplePayload{{Msg: "a", N: 1}},
		Meta:  map[string]any{"inner": samplePayload{Msg: "b", N: 2}},
	}
	data, err := EncodeValue(in)
	require.NoError(t, err)

	out, err := DecodeValue[nestedPayload](data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestContextCodec(t *testing.T) {
	wctx := api.NewWorkflowContext("run-1", "corr", map[string]any{"q": "hello"})
	wctx.Set("attempts", 3)
	wctx.SetStepOutput("classify", samplePayload{Msg: "x", N: 1})

	data, err := EncodeContext(wctx)
	require.NoError(t, err)

	restored, err := DecodeContext(data)
	require.NoError(t, err)
	assert.Equal(t, "run-1", restored.RunID())
	assert.Equal(t, "corr", restored.InstanceID())
	assert.Equal(t, map[string]any{"q": "hello"}, restored.TriggerData())
	assert.Equal(t, 3, api.GetOr(restored, "attempts", 0))
	out, err := api.StepOutputAs[samplePayload](restored, "classify")
	require.NoError(t, err)
	assert.Equal(t, "x", out.Msg)
}
