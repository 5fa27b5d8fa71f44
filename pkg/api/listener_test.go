package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// testListener is a simple listener used to verify fan-out behavior.
type testListener struct {
	NoopListener
	mu sync.Mutex

	starts    int
	completes int
	fails     int
	progress  []Progress
}

func (l *testListener) OnWorkflowStarted(ctx context.Context, inst *WorkflowInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
}

func (l *testListener) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes++
}

func (l *testListener) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails++
}

func (l *testListener) OnAsyncProgress(ctx context.Context, runID string, p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, p)
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Message)
	}
	return out
}

func TestNewCompositeListener_FiltersNil(t *testing.T) {
	if _, ok := NewCompositeListener().(NoopListener); !ok {
		t.Fatalf("expected NoopListener for empty composite")
	}
	single := &testListener{}
	if got := NewCompositeListener(nil, single); got != single {
		t.Fatalf("expected the single listener to be returned as-is")
	}
}

func TestCompositeListener_FanOut(t *testing.T) {
	a, b := &testListener{}, &testListener{}
	l := NewCompositeListener(a, b)
	ctx := context.Background()
	inst := &WorkflowInstance{RunID: "r1", WorkflowID: "wf"}

	l.OnWorkflowStarted(ctx, inst)
	l.OnWorkflowCompleted(ctx, inst)
	l.OnWorkflowFailed(ctx, inst, errors.New("x"))
	l.(ProgressListener).OnAsyncProgress(ctx, "r1", Progress{Percent: 50})

	for i, tl := range []*testListener{a, b} {
		if tl.starts != 1 || tl.completes != 1 || tl.fails != 1 {
			t.Fatalf("listener %d: unexpected counts %d/%d/%d", i, tl.starts, tl.completes, tl.fails)
		}
		if len(tl.progress) != 1 || tl.progress[0].Percent != 50 {
			t.Fatalf("listener %d: progress not forwarded: %+v", i, tl.progress)
		}
	}
}

func TestLoggingListener_Logs(t *testing.T) {
	h := &recordingHandler{}
	l := NewLoggingListener(slog.New(h))
	ctx := context.Background()
	inst := &WorkflowInstance{RunID: "r1", WorkflowID: "wf"}

	l.OnWorkflowStarted(ctx, inst)
	l.OnStepStarted(ctx, inst, "a", 1)
	l.OnStepFailed(ctx, inst, "a", 1, errors.New("boom"), true)
	l.OnStepCompleted(ctx, inst, "a", Continue(1), time.Millisecond)
	l.OnWorkflowSuspended(ctx, inst)
	l.OnWorkflowCompleted(ctx, inst)

	want := []string{"workflow_started", "step_started", "step_failed", "step_completed", "workflow_suspended", "workflow_completed"}
	got := h.messages()
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	inst := &WorkflowInstance{RunID: "r1"}

	m.OnWorkflowStarted(ctx, inst)
	m.OnWorkflowStarted(ctx, inst)
	m.OnWorkflowCompleted(ctx, inst)
	m.OnWorkflowSuspended(ctx, inst)
	m.OnStepCompleted(ctx, inst, "a", Continue(1), 10*time.Millisecond)
	m.OnStepCompleted(ctx, inst, "b", Finish(1), 30*time.Millisecond)
	m.OnStepFailed(ctx, inst, "c", 1, errors.New("x"), true)
	m.OnStepFailed(ctx, inst, "c", 2, errors.New("x"), false)

	s := m.Snapshot()
	if s.WorkflowsStarted != 2 || s.WorkflowsCompleted != 1 || s.PendingWorkflows != 1 {
		t.Fatalf("unexpected workflow counters: %+v", s)
	}
	if s.Suspensions != 1 || s.StepRetries != 1 || s.StepsCompleted != 2 {
		t.Fatalf("unexpected step counters: %+v", s)
	}
	if s.AvgStepDuration != 20*time.Millisecond {
		t.Fatalf("expected avg 20ms, got %v", s.AvgStepDuration)
	}
}
