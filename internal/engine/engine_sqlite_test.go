package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func newSQLiteEngine(t *testing.T, db *sql.DB) *Engine {
	t.Helper()
	repo, err := persistence.NewSQLiteRepository(context.Background(), db)
	require.NoError(t, err)
	e := newTestEngine(t, Config{Repository: repo})
	require.NoError(t, e.Register(approvalWorkflow()))
	return e
}

func TestSQLiteEngine_SuspendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	first := newSQLiteEngine(t, db)
	h, err := first.Execute(ctx, "approval", "order-9")
	require.NoError(t, err)
	require.True(t, h.IsSuspended())
	require.NoError(t, first.Close(ctx))

	// A fresh engine over the same database picks the run up.
	second := newSQLiteEngine(t, db)

	_, err = second.Resume(ctx, h.RunID(), question{Text: "wrong"})
	assert.ErrorIs(t, err, api.ErrTypeMismatch)

	done, err := second.Resume(ctx, h.RunID(), answer{Value: "sqlite"})
	require.NoError(t, err)
	assert.True(t, done.IsCompleted())
	assert.Equal(t, "approved: sqlite", done.Result())

	inst, err := second.GetWorkflowInstance(ctx, h.RunID())
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, inst.Status)
	assert.Len(t, inst.History, 4)

	n, err := second.CountByStatus(ctx, api.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
