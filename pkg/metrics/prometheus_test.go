package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestListener_CountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, err := New(reg, "")
	require.NoError(t, err)

	ctx := context.Background()
	inst := &api.WorkflowInstance{RunID: "r1", WorkflowID: "orders", Status: api.StatusRunning}

	l.OnWorkflowStarted(ctx, inst)
	l.OnStepCompleted(ctx, inst, "validate", api.Continue("ok"), 20*time.Millisecond)
	l.OnStepFailed(ctx, inst, "charge", 1, errors.New("timeout"), true)
	l.OnStepFailed(ctx, inst, "charge", 2, errors.New("timeout"), false)
	inst.Status = api.StatusFailed
	inst.TotalDuration = time.Second
	l.OnWorkflowFailed(ctx, inst, errors.New("timeout"))
	l.OnAsyncProgress(ctx, "r1", api.Progress{TaskID: "export", Percent: 50})

	assert.Equal(t, 1.0, testutil.ToFloat64(l.runs.WithLabelValues("orders", "started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.runs.WithLabelValues("orders", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.stepFailures.WithLabelValues("orders", "charge", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.stepFailures.WithLabelValues("orders", "charge", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.progress.WithLabelValues("export")))
	assert.Equal(t, 1, testutil.CollectAndCount(l.steps, "stepflow_step_duration_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(l.runDuration))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "app")
	require.NoError(t, err)

	_, err = New(reg, "app")
	assert.Error(t, err)
	assert.Panics(t, func() { MustNew(reg, "app") })

	_, err = New(reg, "other")
	assert.NoError(t, err)
}
