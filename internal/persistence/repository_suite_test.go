package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	RegisterTypes(samplePayload{})
}

// RepositorySuite runs the same contract against every backend.
type RepositorySuite struct {
	suite.Suite
	newRepo func() api.WorkflowStateRepository
	repo    api.WorkflowStateRepository
	seq     atomic.Int64
}

func (s *RepositorySuite) SetupTest() {
	s.repo = s.newRepo()
}

func (s *RepositorySuite) runID() string {
	return fmt.Sprintf("run-%d-%d", time.Now().UnixNano(), s.seq.Add(1))
}

func (s *RepositorySuite) newInstance(workflowID string, status api.Status) *api.WorkflowInstance {
	now := time.Now().UTC()
	return &api.WorkflowInstance{
		RunID:      s.runID(),
		WorkflowID: workflowID,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *RepositorySuite) TestSaveLoadRoundTrip() {
	ctx := context.Background()

	wctx := api.NewWorkflowContext("r", "corr", samplePayload{Msg: "trigger", N: 1})
	wctx.Set("k", "v")
	wctx.SetStepOutput("a", samplePayload{Msg: "out", N: 2})
	encoded, err := EncodeContext(wctx)
	s.Require().NoError(err)
	output, err := EncodeValue(samplePayload{Msg: "final", N: 3})
	s.Require().NoError(err)

	inst := s.newInstance("wf", api.StatusSuspended)
	inst.CorrelationID = "corr"
	inst.CurrentStepID = "approve"
	inst.ExpectedInputType = api.TypeOf[samplePayload]()
	inst.PendingTaskID = "task"
	inst.Attempt = 2
	inst.Context = encoded
	inst.Output = output
	inst.Error = "previous failure"
	inst.TotalDuration = 1500 * time.Millisecond
	inst.History = []api.HistoryEntry{
		{StepID: "a", Kind: api.KindContinue, Summary: "CONTINUE(x)", Attempt: 1, Timestamp: inst.CreatedAt, Duration: time.Millisecond},
		{StepID: "approve", Kind: api.KindSuspend, Attempt: 1, Error: "", Timestamp: inst.CreatedAt, Duration: 2 * time.Millisecond},
	}

	s.Require().NoError(s.repo.Save(ctx, inst))
	s.Equal(int64(1), inst.Version)

	got, err := s.repo.Load(ctx, inst.RunID)
	s.Require().NoError(err)

	s.Equal(inst.RunID, got.RunID)
	s.Equal(inst.WorkflowID, got.WorkflowID)
	s.Equal(inst.CorrelationID, got.CorrelationID)
	s.Equal(inst.Status, got.Status)
	s.Equal(inst.CurrentStepID, got.CurrentStepID)
	s.Equal(inst.ExpectedInputType, got.ExpectedInputType)
	s.Equal(inst.PendingTaskID, got.PendingTaskID)
	s.Equal(inst.Attempt, got.Attempt)
	s.Equal(inst.Error, got.Error)
	s.Equal(inst.TotalDuration, got.TotalDuration)
	s.Equal(int64(1), got.Version)
	s.True(inst.CreatedAt.Equal(got.CreatedAt))
	s.True(inst.UpdatedAt.Equal(got.UpdatedAt))
	s.Require().Len(got.History, 2)
	s.Equal("approve", got.History[1].StepID)
	s.Equal(api.KindSuspend, got.History[1].Kind)
	s.Equal(2*time.Millisecond, got.History[1].Duration)

	restored, err := DecodeContext(got.Context)
	s.Require().NoError(err)
	s.Equal(samplePayload{Msg: "trigger", N: 1}, restored.TriggerData())
	v, _ := restored.Get("k")
	s.Equal("v", v)
	out, err := api.StepOutputAs[samplePayload](restored, "a")
	s.Require().NoError(err)
	s.Equal(2, out.N)

	final, err := DecodeValue[samplePayload](got.Output)
	s.Require().NoError(err)
	s.Equal("final", final.Msg)
}

func (s *RepositorySuite) TestLoadMissing() {
	_, err := s.repo.Load(context.Background(), "does-not-exist")
	s.ErrorIs(err, api.ErrRunNotFound)
}

func (s *RepositorySuite) TestOptimisticVersioning() {
	ctx := context.Background()
	inst := s.newInstance("wf", api.StatusCreated)
	s.Require().NoError(s.repo.Save(ctx, inst))

	// Inserting the same run twice loses.
	dup := inst.Clone()
	dup.Version = 0
	s.ErrorIs(s.repo.Save(ctx, dup), api.ErrConcurrentModification)

	a, err := s.repo.Load(ctx, inst.RunID)
	s.Require().NoError(err)
	b, err := s.repo.Load(ctx, inst.RunID)
	s.Require().NoError(err)

	a.Status = api.StatusRunning
	s.Require().NoError(s.repo.Save(ctx, a))
	s.Equal(int64(2), a.Version)

	b.Status = api.StatusFailed
	s.ErrorIs(s.repo.Save(ctx, b), api.ErrConcurrentModification)
	s.Equal(int64(1), b.Version, "a lost save leaves the version untouched")

	got, err := s.repo.Load(ctx, inst.RunID)
	s.Require().NoError(err)
	s.Equal(api.StatusRunning, got.Status)

	ghost := s.newInstance("wf", api.StatusRunning)
	ghost.Version = 3
	s.ErrorIs(s.repo.Save(ctx, ghost), api.ErrRunNotFound)
}

func (s *RepositorySuite) TestConcurrentSavesOneWins() {
	ctx := context.Background()
	inst := s.newInstance("wf", api.StatusSuspended)
	s.Require().NoError(s.repo.Save(ctx, inst))

	const writers = 8
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for range writers {
		c := inst.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Status = api.StatusRunning
			err := s.repo.Save(ctx, c)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, api.ErrConcurrentModification):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())
}

func (s *RepositorySuite) TestListCountAndDelete() {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()

	done := s.newInstance("wf-a", api.StatusCompleted)
	done.UpdatedAt = old
	failed := s.newInstance("wf-b", api.StatusFailed)
	failed.UpdatedAt = old
	stale := s.newInstance("wf-a", api.StatusSuspended)
	stale.UpdatedAt = old
	fresh := s.newInstance("wf-a", api.StatusCompleted)
	fresh.CorrelationID = "c-1"

	for _, inst := range []*api.WorkflowInstance{done, failed, stale, fresh} {
		s.Require().NoError(s.repo.Save(ctx, inst))
	}

	all, err := s.repo.List(ctx, api.InstanceFilter{})
	s.Require().NoError(err)
	s.Len(all, 4)

	wfA, err := s.repo.List(ctx, api.InstanceFilter{WorkflowID: "wf-a"})
	s.Require().NoError(err)
	s.Len(wfA, 3)

	completedA, err := s.repo.List(ctx, api.InstanceFilter{WorkflowID: "wf-a", Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Len(completedA, 2)

	byCorr, err := s.repo.List(ctx, api.InstanceFilter{CorrelationID: "c-1"})
	s.Require().NoError(err)
	s.Require().Len(byCorr, 1)
	s.Equal(fresh.RunID, byCorr[0].RunID)

	n, err := s.repo.CountByStatus(ctx, api.StatusCompleted)
	s.Require().NoError(err)
	s.Equal(2, n)

	deleted, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(2, deleted, "only old terminal runs are removed")

	_, err = s.repo.Load(ctx, stale.RunID)
	s.NoError(err, "non-terminal runs survive regardless of age")
	_, err = s.repo.Load(ctx, done.RunID)
	s.ErrorIs(err, api.ErrRunNotFound)

	n, err = s.repo.CountByStatus(ctx, api.StatusCompleted)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RepositorySuite) TestStatusIndexFollowsUpdates() {
	ctx := context.Background()
	inst := s.newInstance("wf", api.StatusRunning)
	s.Require().NoError(s.repo.Save(ctx, inst))

	inst.Status = api.StatusSuspended
	s.Require().NoError(s.repo.Save(ctx, inst))

	running, err := s.repo.CountByStatus(ctx, api.StatusRunning)
	s.Require().NoError(err)
	s.Equal(0, running)

	suspended, err := s.repo.List(ctx, api.InstanceFilter{Status: api.StatusSuspended})
	s.Require().NoError(err)
	s.Len(suspended, 1)
}

func (s *RepositorySuite) TestStoredCopyIsIsolated() {
	ctx := context.Background()
	inst := s.newInstance("wf", api.StatusRunning)
	inst.History = []api.HistoryEntry{{StepID: "a", Kind: api.KindContinue, Attempt: 1, Timestamp: time.Now()}}
	s.Require().NoError(s.repo.Save(ctx, inst))

	inst.History[0].StepID = "mutated"
	got, err := s.repo.Load(ctx, inst.RunID)
	s.Require().NoError(err)
	s.Equal("a", got.History[0].StepID)
}
