package persistence

import (
	"context"
	"database/sql"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS stepflow_instances (
		run_id         TEXT PRIMARY KEY,
		workflow_id    TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		current_step   TEXT NOT NULL DEFAULT '',
		expected_input TEXT NOT NULL DEFAULT '',
		pending_task   TEXT NOT NULL DEFAULT '',
		attempt        INTEGER NOT NULL DEFAULT 0,
		history        BYTEA,
		context        BYTEA,
		output         BYTEA,
		prompt         BYTEA,
		error          TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		total_duration BIGINT NOT NULL DEFAULT 0,
		version        BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stepflow_instances_status ON stepflow_instances(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_stepflow_instances_workflow ON stepflow_instances(workflow_id);
`

// NewPostgresRepository initializes the schema in db and returns a
// repository.
//
// db must use a PostgreSQL driver, for example:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
func NewPostgresRepository(ctx context.Context, db *sql.DB) (*SQLRepository, error) {
	return newSQLRepository(ctx, db, dialect{
		name:   "postgres",
		rebind: dollarPlaceholders,
		schema: postgresSchema,
	})
}
