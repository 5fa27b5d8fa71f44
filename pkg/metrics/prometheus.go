// Package metrics exports engine activity as Prometheus metrics through a
// WorkflowExecutionListener.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/stepflow/pkg/api"
)

// Listener records run and step activity. Register it with
// Engine.AddListener.
type Listener struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	steps        *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	progress     *prometheus.CounterVec
}

var (
	_ api.WorkflowExecutionListener = (*Listener)(nil)
	_ api.ProgressListener          = (*Listener)(nil)
)

// New creates a listener and registers its collectors with reg. An empty
// namespace defaults to "stepflow".
func New(reg prometheus.Registerer, namespace string) (*Listener, error) {
	if namespace == "" {
		namespace = "stepflow"
	}
	l := &Listener{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Workflow run lifecycle events by outcome.",
			},
			[]string{"workflow", "event"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time from run creation to a terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"workflow", "status"},
		),
		steps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of successful step attempts by result kind.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow", "step", "kind"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Failed step attempts, split by whether a retry follows.",
			},
			[]string{"workflow", "step", "will_retry"},
		),
		progress: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_progress_updates_total",
				Help:      "Progress updates delivered by async tasks.",
			},
			[]string{"task"},
		),
	}

	for _, c := range []prometheus.Collector{l.runs, l.runDuration, l.steps, l.stepFailures, l.progress} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer, namespace string) *Listener {
	l, err := New(reg, namespace)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Listener) OnWorkflowStarted(ctx context.Context, inst *api.WorkflowInstance) {
	l.runs.WithLabelValues(inst.WorkflowID, "started").Inc()
}

func (l *Listener) OnWorkflowCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	l.runs.WithLabelValues(inst.WorkflowID, "completed").Inc()
	l.runDuration.WithLabelValues(inst.WorkflowID, string(inst.Status)).Observe(inst.TotalDuration.Seconds())
}

func (l *Listener) OnWorkflowFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	l.runs.WithLabelValues(inst.WorkflowID, "failed").Inc()
	l.runDuration.WithLabelValues(inst.WorkflowID, string(inst.Status)).Observe(inst.TotalDuration.Seconds())
}

func (l *Listener) OnWorkflowSuspended(ctx context.Context, inst *api.WorkflowInstance) {
	l.runs.WithLabelValues(inst.WorkflowID, "suspended").Inc()
}

func (l *Listener) OnStepStarted(ctx context.Context, inst *api.WorkflowInstance, stepID string, attempt int) {
}

func (l *Listener) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, stepID string, result api.StepResult, d time.Duration) {
	l.steps.WithLabelValues(inst.WorkflowID, stepID, string(result.Kind())).Observe(d.Seconds())
}

func (l *Listener) OnStepFailed(ctx context.Context, inst *api.WorkflowInstance, stepID string, attempt int, err error, willRetry bool) {
	l.stepFailures.WithLabelValues(inst.WorkflowID, stepID, strconv.FormatBool(willRetry)).Inc()
}

func (l *Listener) OnAsyncProgress(ctx context.Context, runID string, p api.Progress) {
	l.progress.WithLabelValues(p.TaskID).Inc()
}
