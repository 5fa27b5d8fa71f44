package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

func init() {
	RegisterTypes(map[string]any{}, []any{}, api.ContextSnapshot{})
}

var registered sync.Map // reflect.Type -> struct{}

// RegisterTypes makes the dynamic types of values (and the element types of
// maps, slices and struct fields reachable from them) known to gob so they
// can travel inside interface-typed fields. Registering a type twice, or a
// name already claimed by another type, is ignored.
func RegisterTypes(values ...any) {
	for _, v := range values {
		if v == nil {
			continue
		}
		registerType(reflect.TypeOf(v))
	}
}

// RegisterType is RegisterTypes for a reflect.Type.
func RegisterType(t reflect.Type) {
	registerType(t)
}

func registerType(t reflect.Type) {
	if t == nil || t.Kind() == reflect.Interface {
		return
	}
	if _, loaded := registered.LoadOrStore(t, struct{}{}); loaded {
		return
	}

	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return
	case reflect.Map:
		registerType(t.Key())
		registerType(t.Elem())
	case reflect.Slice, reflect.Array, reflect.Pointer:
		registerType(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() {
				registerType(f.Type)
			}
		}
	}

	func() {
		// gob panics on duplicate names for distinct types.
		defer func() { _ = recover() }()
		gob.Register(reflect.Zero(t).Interface())
	}()
}

// EncodeValue serializes v with encoding/gob as an interface value so it can
// be decoded without knowing its concrete type. v's type is registered on
// the way.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	registerType(reflect.TypeOf(v))
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeAny is the inverse of EncodeValue. Empty input decodes to nil.
func DecodeAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// DecodeValue decodes data produced by EncodeValue and asserts it to T.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	v, err := DecodeAny(data)
	if err != nil || v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &api.TypeMismatchError{Expected: api.TypeOf[T](), Got: api.TagOf(v)}
	}
	return typed, nil
}

// EncodeContext serializes a context snapshot for WorkflowInstance.Context.
func EncodeContext(wctx *api.WorkflowContext) ([]byte, error) {
	snap := wctx.Snapshot()
	RegisterTypes(snap.Trigger)
	for _, v := range snap.StepOutputs {
		RegisterTypes(v)
	}
	for _, v := range snap.Custom {
		RegisterTypes(v)
	}
	return EncodeValue(snap)
}

// DecodeContext restores a context from WorkflowInstance.Context.
func DecodeContext(data []byte) (*api.WorkflowContext, error) {
	snap, err := DecodeValue[api.ContextSnapshot](data)
	if err != nil {
		return nil, err
	}
	return api.RestoreContext(snap), nil
}
