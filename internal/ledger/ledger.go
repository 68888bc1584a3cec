// Package ledger records runs and per-unit results in a SQLite database so
// a batch can be inspected after the process exits.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/unit"

	_ "modernc.org/sqlite"
)

// Run states.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
	RunCancelled = "CANCELLED"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one dispatched batch.
type Run struct {
	ID         string     `json:"id"`
	Backend    string     `json:"backend"`
	State      string     `json:"state"`
	WorkDir    string     `json:"workdir"`
	Manifest   string     `json:"manifest,omitempty"`
	Workflow   string     `json:"workflow,omitempty"`
	Select     string     `json:"select,omitempty"`
	Artifact   string     `json:"artifact,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Computed from the units table.
	Units     int `json:"units"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// UnitRecord is the stored outcome of one work unit.
type UnitRecord struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	RowIndex   int        `json:"row"`
	State      string     `json:"state"`
	ExitCode   int        `json:"exit_code"`
	InputPath  string     `json:"input_path,omitempty"`
	Invocation string     `json:"invocation,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// SQLiteLedger stores runs and units in SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLedger opens (or creates) the ledger database at dbPath.
// Use ":memory:" for an in-memory database.
func NewSQLiteLedger(dbPath string, logger *slog.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: an in-memory database is private to its connection,
	// and the ledger has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteLedger{
		db:     db,
		logger: logging.Component(logger, "ledger"),
	}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Migrate creates all required tables and indexes.
func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	l.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, l.db)
}

// CreateRun inserts a run in the RUNNING state. An empty ID is replaced by
// a new ULID and a zero CreatedAt by the current time.
func (l *SQLiteLedger) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = RunRunning
	}
	l.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, backend, state, workdir, manifest, workflow, select_expr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Backend, run.State, run.WorkDir, run.Manifest, run.Workflow, run.Select,
		run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final state and the dispatcher artifact.
func (l *SQLiteLedger) FinishRun(ctx context.Context, id, state, artifact string, runErr error) error {
	l.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "state", state)

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, artifact = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, artifact, msg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordUnit stores the result of one unit under runID. Recording the same
// unit again replaces the earlier row.
func (l *SQLiteLedger) RecordUnit(ctx context.Context, runID string, res *unit.Result) error {
	l.logger.Debug("sql", "op", "upsert", "table", "units", "id", res.UnitID)

	var startedAt *string
	if !res.StartedAt.IsZero() {
		s := res.StartedAt.UTC().Format(time.RFC3339Nano)
		startedAt = &s
	}
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO units (id, run_id, row_index, state, exit_code, input_path, invocation,
		   stdout, stderr, error, started_at, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.UnitID, runID, res.RowIndex, string(res.State()), res.ExitCode, res.InputPath, res.Invocation,
		res.StdoutPath, res.StderrPath, msg, startedAt, res.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record unit %s: %w", res.UnitID, err)
	}
	return nil
}

const runColumns = `r.id, r.backend, r.state, r.workdir, r.manifest, r.workflow, r.select_expr,
	r.artifact, r.error, r.created_at, r.finished_at,
	COUNT(u.id),
	COALESCE(SUM(CASE WHEN u.state IN ('SUCCESS', 'PREPARED') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN u.state IN ('FAILED', 'CANCELLED') THEN 1 ELSE 0 END), 0)`

// GetRun returns a run with its unit counts, or ErrNotFound.
func (l *SQLiteLedger) GetRun(ctx context.Context, id string) (*Run, error) {
	l.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+`
		 FROM runs r LEFT JOIN units u ON u.run_id = r.id
		 WHERE r.id = ?
		 GROUP BY r.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A limit below 1 means 20.
func (l *SQLiteLedger) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit < 1 {
		limit = 20
	}
	l.logger.Debug("sql", "op", "list", "table", "runs", "limit", limit)

	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+`
		 FROM runs r LEFT JOIN units u ON u.run_id = r.id
		 GROUP BY r.id
		 ORDER BY r.created_at DESC, r.id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListUnits returns the units recorded for a run, ordered by manifest row.
func (l *SQLiteLedger) ListUnits(ctx context.Context, runID string) ([]*UnitRecord, error) {
	l.logger.Debug("sql", "op", "list", "table", "units", "run_id", runID)

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, row_index, state, exit_code, input_path, invocation,
		        stdout, stderr, error, started_at, duration_ms, recorded_at
		 FROM units WHERE run_id = ? ORDER BY row_index, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []*UnitRecord
	for rows.Next() {
		var u UnitRecord
		var startedAt *string
		var recordedAt string
		if err := rows.Scan(&u.ID, &u.RunID, &u.RowIndex, &u.State, &u.ExitCode,
			&u.InputPath, &u.Invocation, &u.Stdout, &u.Stderr, &u.Error,
			&startedAt, &u.DurationMS, &recordedAt); err != nil {
			return nil, err
		}
		if startedAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *startedAt)
			u.StartedAt = &t
		}
		u.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		units = append(units, &u)
	}
	return units, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var createdAt string
	var finishedAt *string
	if err := row.Scan(&run.ID, &run.Backend, &run.State, &run.WorkDir, &run.Manifest,
		&run.Workflow, &run.Select, &run.Artifact, &run.Error, &createdAt, &finishedAt,
		&run.Units, &run.Succeeded, &run.Failed); err != nil {
		return nil, err
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		run.FinishedAt = &t
	}
	return &run, nil
}
