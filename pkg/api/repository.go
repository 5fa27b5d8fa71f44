package api

import (
	"context"
	"time"
)

// WorkflowStateRepository is the storage boundary for run state.
//
// Save is a compare-and-swap on Version: an instance with Version 0 is
// inserted, otherwise the stored row must still carry inst.Version. On
// success the repository increments inst.Version in place; on a lost race
// it returns ErrConcurrentModification and leaves inst untouched.
//
// Implementations must not retain inst; they store a copy.
type WorkflowStateRepository interface {
	Save(ctx context.Context, inst *WorkflowInstance) error

	// Load returns ErrRunNotFound for unknown ids.
	Load(ctx context.Context, runID string) (*WorkflowInstance, error)

	// List returns instances matching filter ordered by creation time.
	List(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	CountByStatus(ctx context.Context, status Status) (int, error)

	// DeleteOlderThan removes COMPLETED and FAILED runs whose UpdatedAt is
	// before cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
