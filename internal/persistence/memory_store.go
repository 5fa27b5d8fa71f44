package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryRepository is a goroutine-safe WorkflowStateRepository backed by
// a map. It stores deep copies so callers cannot mutate persisted state.
type InMemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
}

// NewInMemoryRepository creates an empty InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		instances: make(map[string]*api.WorkflowInstance),
	}
}

var _ api.WorkflowStateRepository = (*InMemoryRepository)(nil)

func (r *InMemoryRepository) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.instances[inst.RunID]
	switch {
	case inst.Version == 0 && exists:
		return api.ErrConcurrentModification
	case inst.Version != 0 && !exists:
		return api.ErrRunNotFound
	case exists && cur.Version != inst.Version:
		return api.ErrConcurrentModification
	}

	stored := inst.Clone()
	stored.Version++
	r.instances[inst.RunID] = stored
	inst.Version = stored.Version
	return nil
}

func (r *InMemoryRepository) Load(ctx context.Context, runID string) (*api.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return inst.Clone(), nil
}

func (r *InMemoryRepository) List(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range r.instances {
		if filter.Matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	sortInstances(result)
	return result, nil
}

func (r *InMemoryRepository) CountByStatus(ctx context.Context, status api.Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inst := range r.instances {
		if inst.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, inst := range r.instances {
		if inst.Status.Terminal() && inst.UpdatedAt.Before(cutoff) {
			delete(r.instances, id)
			n++
		}
	}
	return n, nil
}
