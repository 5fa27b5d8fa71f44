package api

import (
	"maps"
	"slices"
	"sync"
)

// WorkflowContext is the per-run key/value store handed to every step.
//
// A run progresses one step at a time, but async continuations and resumes
// re-enter from pool goroutines, so all access is synchronized.
type WorkflowContext struct {
	runID      string
	instanceID string
	trigger    any

	mu          sync.RWMutex
	stepOutputs map[string]any
	custom      map[string]any
}

// ContextSnapshot is the persisted form of a WorkflowContext.
type ContextSnapshot struct {
	RunID       string
	InstanceID  string
	Trigger     any
	StepOutputs map[string]any
	Custom      map[string]any
}

// NewWorkflowContext creates an empty context for a run.
func NewWorkflowContext(runID, instanceID string, trigger any) *WorkflowContext {
	return &WorkflowContext{
		runID:       runID,
		instanceID:  instanceID,
		trigger:     trigger,
		stepOutputs: make(map[string]any),
		custom:      make(map[string]any),
	}
}

// RestoreContext rebuilds a context from a snapshot.
func RestoreContext(s ContextSnapshot) *WorkflowContext {
	c := NewWorkflowContext(s.RunID, s.InstanceID, s.Trigger)
	maps.Copy(c.stepOutputs, s.StepOutputs)
	maps.Copy(c.custom, s.Custom)
	return c
}

func (c *WorkflowContext) RunID() string { return c.runID }

// InstanceID returns the correlation id shared by related runs, if any.
func (c *WorkflowContext) InstanceID() string { return c.instanceID }

// TriggerData returns the input the run was started with.
func (c *WorkflowContext) TriggerData() any { return c.trigger }

// StepOutput returns the last output recorded for stepID.
func (c *WorkflowContext) StepOutput(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.stepOutputs[stepID]
	return v, ok
}

// SetStepOutput records the output of stepID. A nil value removes it.
func (c *WorkflowContext) SetStepOutput(stepID string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		delete(c.stepOutputs, stepID)
		return
	}
	c.stepOutputs[stepID] = v
}

// StepOutputs returns a copy of all recorded step outputs.
func (c *WorkflowContext) StepOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.stepOutputs)
}

// Get returns the custom value stored under key.
func (c *WorkflowContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.custom[key]
	return v, ok
}

// Set stores a custom value. A nil value removes the key.
func (c *WorkflowContext) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		delete(c.custom, key)
		return
	}
	c.custom[key] = v
}

func (c *WorkflowContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.custom, key)
}

// Keys returns the custom keys in sorted order.
func (c *WorkflowContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.custom))
}

// Snapshot captures the current state for persistence.
func (c *WorkflowContext) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ContextSnapshot{
		RunID:       c.runID,
		InstanceID:  c.instanceID,
		Trigger:     c.trigger,
		StepOutputs: maps.Clone(c.stepOutputs),
		Custom:      maps.Clone(c.custom),
	}
}

// GetAs returns the custom value under key as T. It fails with
// ErrKeyNotFound when the key is absent and a *TypeMismatchError when the
// stored value has another type.
func GetAs[T any](c *WorkflowContext, key string) (T, error) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, ErrKeyNotFound
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Key: key, Expected: TypeOf[T](), Got: TagOf(v)}
	}
	return typed, nil
}

// GetOr returns the custom value under key as T, or def when it is absent
// or of another type.
func GetOr[T any](c *WorkflowContext, key string, def T) T {
	v, err := GetAs[T](c, key)
	if err != nil {
		return def
	}
	return v
}

// StepOutputAs returns the recorded output of stepID as T.
func StepOutputAs[T any](c *WorkflowContext, stepID string) (T, error) {
	var zero T
	v, ok := c.StepOutput(stepID)
	if !ok {
		return zero, ErrKeyNotFound
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Key: stepID, Expected: TypeOf[T](), Got: TagOf(v)}
	}
	return typed, nil
}
