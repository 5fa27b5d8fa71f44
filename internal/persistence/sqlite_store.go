package persistence

import (
	"context"
	"database/sql"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS stepflow_instances (
		run_id         TEXT PRIMARY KEY,
		workflow_id    TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		current_step   TEXT NOT NULL DEFAULT '',
		expected_input TEXT NOT NULL DEFAULT '',
		pending_task   TEXT NOT NULL DEFAULT '',
		attempt        INTEGER NOT NULL DEFAULT 0,
		history        BLOB,
		context        BLOB,
		output         BLOB,
		prompt         BLOB,
		error          TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		total_duration INTEGER NOT NULL DEFAULT 0,
		version        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stepflow_instances_status ON stepflow_instances(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_stepflow_instances_workflow ON stepflow_instances(workflow_id);
`

// NewSQLiteRepository initializes the schema in db and returns a repository.
//
// db must use a SQLite driver, for example:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases are private to a connection; call
// db.SetMaxOpenConns(1) when using ":memory:".
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLRepository, error) {
	return newSQLRepository(ctx, db, dialect{
		name:   "sqlite",
		rebind: questionMarks,
		schema: sqliteSchema,
	})
}
