package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// rebind rewrites '?' placeholders into the driver's syntax.
	rebind func(query string) string
	schema string
}

// SQLRepository is a WorkflowStateRepository over database/sql. Use
// NewSQLiteRepository or NewPostgresRepository to construct one.
type SQLRepository struct {
	db *sql.DB
	d  dialect
}

var _ api.WorkflowStateRepository = (*SQLRepository)(nil)

func newSQLRepository(ctx context.Context, db *sql.DB, d dialect) (*SQLRepository, error) {
	r := &SQLRepository{db: db, d: d}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return r, nil
}

const instanceColumns = `run_id, workflow_id, correlation_id, status, current_step, expected_input,
	pending_task, attempt, history, context, output, prompt, error,
	created_at, updated_at, total_duration, version`

func (r *SQLRepository) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	history, err := encodeHistory(inst.History)
	if err != nil {
		return err
	}

	var res sql.Result
	if inst.Version == 0 {
		res, err = r.db.ExecContext(ctx, r.d.rebind(`
			INSERT INTO stepflow_instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (run_id) DO NOTHING`),
			inst.RunID,
			inst.WorkflowID,
			inst.CorrelationID,
			string(inst.Status),
			inst.CurrentStepID,
			string(inst.ExpectedInputType),
			inst.PendingTaskID,
			inst.Attempt,
			history,
			inst.Context,
			inst.Output,
			inst.Prompt,
			inst.Error,
			inst.CreatedAt.UnixNano(),
			inst.UpdatedAt.UnixNano(),
			int64(inst.TotalDuration),
		)
	} else {
		res, err = r.db.ExecContext(ctx, r.d.rebind(`
			UPDATE stepflow_instances
			SET workflow_id = ?, correlation_id = ?, status = ?, current_step = ?, expected_input = ?,
				pending_task = ?, attempt = ?, history = ?, context = ?, output = ?, prompt = ?, error = ?,
				updated_at = ?, total_duration = ?, version = version + 1
			WHERE run_id = ? AND version = ?`),
			inst.WorkflowID,
			inst.CorrelationID,
			string(inst.Status),
			inst.CurrentStepID,
			string(inst.ExpectedInputType),
			inst.PendingTaskID,
			inst.Attempt,
			history,
			inst.Context,
			inst.Output,
			inst.Prompt,
			inst.Error,
			inst.UpdatedAt.UnixNano(),
			int64(inst.TotalDuration),
			inst.RunID,
			inst.Version,
		)
	}
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.conflict(ctx, inst)
	}
	inst.Version++
	return nil
}

// conflict classifies a save that touched no rows.
func (r *SQLRepository) conflict(ctx context.Context, inst *api.WorkflowInstance) error {
	if inst.Version == 0 {
		return api.ErrConcurrentModification
	}
	var n int
	err := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT COUNT(*) FROM stepflow_instances WHERE run_id = ?`), inst.RunID).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrRunNotFound
	}
	return api.ErrConcurrentModification
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                 api.WorkflowInstance
		status, expected     string
		history              []byte
		createdAt, updatedAt int64
		total                int64
	)
	err := row.Scan(
		&inst.RunID,
		&inst.WorkflowID,
		&inst.CorrelationID,
		&status,
		&inst.CurrentStepID,
		&expected,
		&inst.PendingTaskID,
		&inst.Attempt,
		&history,
		&inst.Context,
		&inst.Output,
		&inst.Prompt,
		&inst.Error,
		&createdAt,
		&updatedAt,
		&total,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = api.Status(status)
	inst.ExpectedInputType = api.TypeTag(expected)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	inst.TotalDuration = time.Duration(total)
	if inst.History, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *SQLRepository) Load(ctx context.Context, runID string) (*api.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx, r.d.rebind(`
		SELECT `+instanceColumns+`
		FROM stepflow_instances
		WHERE run_id = ?`),
		runID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrRunNotFound
	}
	return inst, err
}

func (r *SQLRepository) List(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM stepflow_instances`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, run_id"

	rows, err := r.db.QueryContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (r *SQLRepository) CountByStatus(ctx context.Context, status api.Status) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.d.rebind(`SELECT COUNT(*) FROM stepflow_instances WHERE status = ?`), string(status)).Scan(&n)
	return n, err
}

func (r *SQLRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`
		DELETE FROM stepflow_instances
		WHERE status IN (?, ?) AND updated_at < ?`),
		string(terminalStatuses[0]),
		string(terminalStatuses[1]),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func questionMarks(query string) string { return query }

// dollarPlaceholders rewrites '?' into $1, $2, ...
func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
