package ledger

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the ledger tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		backend     TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'RUNNING',
		workdir     TEXT NOT NULL,
		manifest    TEXT NOT NULL DEFAULT '',
		workflow    TEXT NOT NULL DEFAULT '',
		artifact    TEXT NOT NULL DEFAULT '',
		select_expr TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		finished_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS units (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL REFERENCES runs(id),
		row_index   INTEGER NOT NULL,
		state       TEXT NOT NULL,
		exit_code   INTEGER NOT NULL,
		input_path  TEXT NOT NULL DEFAULT '',
		invocation  TEXT NOT NULL DEFAULT '',
		stdout      TEXT NOT NULL DEFAULT '',
		stderr      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_units_run_id ON units(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_units_state ON units(state)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
