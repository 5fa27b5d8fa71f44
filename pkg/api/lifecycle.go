package api

import (
	"context"

	"github.com/qmuntal/stateless"
)

// Trigger is a lifecycle event applied to a WorkflowInstance.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerSuspend  Trigger = "suspend"
	TriggerResume   Trigger = "resume"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
)

func configureLifecycle(sm *stateless.StateMachine) {
	sm.Configure(StatusCreated).
		Permit(TriggerStart, StatusRunning).
		Permit(TriggerFail, StatusFailed)

	sm.Configure(StatusRunning).
		Permit(TriggerSuspend, StatusSuspended).
		Permit(TriggerComplete, StatusCompleted).
		Permit(TriggerFail, StatusFailed)

	sm.Configure(StatusSuspended).
		Permit(TriggerResume, StatusRunning).
		Permit(TriggerFail, StatusFailed)

	// COMPLETED and FAILED permit nothing.
	sm.Configure(StatusCompleted)
	sm.Configure(StatusFailed)
}

func (i *WorkflowInstance) lifecycle() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return i.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			i.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureLifecycle(sm)
	return sm
}

// Transition applies t to the instance status. A transition that the
// lifecycle does not permit returns an *InvalidStateError and leaves the
// instance unchanged.
func (i *WorkflowInstance) Transition(t Trigger) error {
	from := i.Status
	if err := i.lifecycle().Fire(t); err != nil {
		i.Status = from
		return &InvalidStateError{RunID: i.RunID, Status: from, Op: string(t)}
	}
	return nil
}

// CanTransition reports whether t is permitted from the current status.
func (i *WorkflowInstance) CanTransition(t Trigger) bool {
	ok, err := i.lifecycle().CanFire(t)
	return err == nil && ok
}
