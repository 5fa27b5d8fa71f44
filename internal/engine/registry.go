package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

type workflowRegistry struct {
	mu   sync.RWMutex
	byID map[string]*graph
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{byID: make(map[string]*graph)}
}

// Register compiles def and stores it, replacing any graph with the same id.
func (r *workflowRegistry) Register(def api.WorkflowDefinition) (*graph, error) {
	g, err := compile(def)
	if err != nil {
		return nil, err
	}
	for _, t := range g.types() {
		persistence.RegisterType(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[g.id] = g
	return g, nil
}

func (r *workflowRegistry) Get(id string) (*graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return g, nil
}

func (r *workflowRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
