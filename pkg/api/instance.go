package api

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HistoryEntry records one step attempt. History is append-only and ordered
// by completion time.
type HistoryEntry struct {
	StepID    string
	Kind      ResultKind
	Summary   string
	Attempt   int
	Error     string
	Timestamp time.Time
	Duration  time.Duration
}

// WorkflowInstance is the durable state of one run.
//
// Payload fields (Context, Output, Prompt) hold codec-encoded bytes so that
// every repository stores the same shape.
type WorkflowInstance struct {
	RunID         string
	WorkflowID    string
	CorrelationID string
	Status        Status

	// CurrentStepID is the step that runs next, or the step that suspended,
	// issued async work, completed or failed the run.
	CurrentStepID string

	// ExpectedInputType is the only input shape Resume accepts while SUSPENDED.
	ExpectedInputType TypeTag

	// PendingTaskID is the async task in flight, if any.
	PendingTaskID string

	// Attempt is the 1-based attempt counter of CurrentStepID.
	Attempt int

	History []HistoryEntry

	Context []byte
	Output  []byte
	Prompt  []byte
	Error   string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	TotalDuration time.Duration

	// Version is the optimistic concurrency counter maintained by the
	// repository. Zero means the instance has never been saved.
	Version int64
}

// AppendHistory adds an entry. It fails on terminal instances.
func (i *WorkflowInstance) AppendHistory(e HistoryEntry) error {
	if i.Status.Terminal() {
		return &InvalidStateError{RunID: i.RunID, Status: i.Status, Op: "record history for"}
	}
	i.History = append(i.History, e)
	return nil
}

// LastError returns the error of the most recent failed history entry.
func (i *WorkflowInstance) LastError() string {
	for idx := len(i.History) - 1; idx >= 0; idx-- {
		if i.History[idx].Error != "" {
			return i.History[idx].Error
		}
	}
	return ""
}

// Clone returns a deep copy.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	c := *i
	c.History = slices.Clone(i.History)
	c.Context = slices.Clone(i.Context)
	c.Output = slices.Clone(i.Output)
	c.Prompt = slices.Clone(i.Prompt)
	return &c
}

// InstanceFilter selects instances. Zero values mean "no filter".
type InstanceFilter struct {
	WorkflowID    string
	Status        Status
	CorrelationID string
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst *WorkflowInstance) bool {
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.CorrelationID != "" && inst.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}
