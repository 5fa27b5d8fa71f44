package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/petrijr/stepflow/pkg/api"
)

// future is resolved once with the terminal instance of a run.
type future struct {
	once sync.Once
	done chan struct{}
	inst *api.WorkflowInstance
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(inst *api.WorkflowInstance) {
	f.once.Do(func() {
		f.inst = inst.Clone()
		close(f.done)
	})
}

func (f *future) wait(ctx context.Context) (*api.WorkflowInstance, error) {
	select {
	case <-f.done:
		return f.inst.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// activeRun is the in-process bookkeeping of a run this engine has touched
// and that is not terminal yet.
type activeRun struct {
	// mu is held by whichever goroutine is driving the run.
	mu  sync.Mutex
	fut *future

	// cancelled is checked at step boundaries and by async reporters.
	cancelled atomic.Bool

	// detached is set once driving stopped on an error with the stored run
	// still non-terminal. Recovery may then claim it.
	detached atomic.Bool

	pmu      sync.Mutex
	progress *api.Progress
}

func (r *activeRun) setProgress(p api.Progress) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	r.progress = &p
}

func (r *activeRun) lastProgress() *api.Progress {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if r.progress == nil {
		return nil
	}
	p := *r.progress
	return &p
}

type runIndex struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newRunIndex() *runIndex {
	return &runIndex{runs: make(map[string]*activeRun)}
}

// acquire returns the entry for runID, creating it if needed.
func (x *runIndex) acquire(runID string) (r *activeRun, created bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.runs[runID]
	if !ok {
		r = &activeRun{fut: newFuture()}
		x.runs[runID] = r
	}
	return r, !ok
}

// discard drops r if it is still the entry for runID, without resolving it.
func (x *runIndex) discard(runID string, r *activeRun) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.runs[runID] == r {
		delete(x.runs, runID)
	}
}

// detach stops treating r as live after driving it failed with err. A run
// another engine moved on is forgotten; otherwise the entry stays so
// waiters are resolved once the run is recovered.
func (x *runIndex) detach(runID string, r *activeRun, err error) {
	if errors.Is(err, api.ErrConcurrentModification) {
		x.discard(runID, r)
		return
	}
	r.detached.Store(true)
}

func (x *runIndex) lookup(runID string) (*activeRun, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.runs[runID]
	return r, ok
}

// finish resolves the run's future and forgets it.
func (x *runIndex) finish(inst *api.WorkflowInstance) {
	x.mu.Lock()
	r, ok := x.runs[inst.RunID]
	if ok {
		delete(x.runs, inst.RunID)
	}
	x.mu.Unlock()
	if ok {
		r.fut.resolve(inst)
	}
}

// ids returns the runs this engine is still driving or waiting on.
func (x *runIndex) ids() map[string]struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]struct{}, len(x.runs))
	for id, r := range x.runs {
		if !r.detached.Load() {
			out[id] = struct{}{}
		}
	}
	return out
}

// runHandle implements api.RunHandle.
type runHandle struct {
	runID  string
	status api.Status
	result any
	fut    *future
}

var _ api.RunHandle = (*runHandle)(nil)

func (h *runHandle) RunID() string         { return h.runID }
func (h *runHandle) Result() any           { return h.result }
func (h *runHandle) Status() api.Status    { return h.status }
func (h *runHandle) IsSuspended() bool     { return h.status == api.StatusSuspended }
func (h *runHandle) IsCompleted() bool     { return h.status == api.StatusCompleted }
func (h *runHandle) IsFailed() bool        { return h.status == api.StatusFailed }
func (h *runHandle) Done() <-chan struct{} { return h.fut.done }

func (h *runHandle) Wait(ctx context.Context) (*api.WorkflowInstance, error) {
	return h.fut.wait(ctx)
}
