package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func result(id string, row, exit int, err error) *unit.Result {
	return &unit.Result{
		UnitID:     id,
		RowIndex:   row,
		InputPath:  "/w/" + id + ".inputs.json",
		Invocation: "java -jar cromwell.jar run -i /w/" + id + ".inputs.json main.wdl",
		StdoutPath: "/w/" + id + ".stdout",
		StderrPath: "/w/" + id + ".stderr",
		ExitCode:   exit,
		Err:        err,
	}
}

func TestCreateRun_AssignsULID(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	run := &Run{Backend: "local", WorkDir: "/w", Manifest: "m.csv", Select: "row.x > 1"}
	require.NoError(t, l.CreateRun(ctx, run))
	assert.Len(t, run.ID, 26)
	assert.Equal(t, RunRunning, run.State)

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", got.Backend)
	assert.Equal(t, "row.x > 1", got.Select)
	assert.Equal(t, 0, got.Units)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestRecordUnit_AndCounts(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	run := &Run{Backend: "local", WorkDir: "/w"}
	require.NoError(t, l.CreateRun(ctx, run))

	ok := result("u-ok", 0, 0, nil)
	ok.StartedAt = time.Now()
	ok.Duration = 1500 * time.Millisecond
	require.NoError(t, l.RecordUnit(ctx, run.ID, ok))
	require.NoError(t, l.RecordUnit(ctx, run.ID, result("u-bad", 2, 3, &unit.ChildProcessError{ExitCode: 3})))
	require.NoError(t, l.RecordUnit(ctx, run.ID, result("u-io", 1, unit.LaunchFailed, &unit.IOError{Op: "write inputs", Path: "/w", Err: errors.New("denied")})))

	units, err := l.ListUnits(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{units[0].RowIndex, units[1].RowIndex, units[2].RowIndex})

	assert.Equal(t, "SUCCESS", units[0].State)
	assert.Equal(t, int64(1500), units[0].DurationMS)
	require.NotNil(t, units[0].StartedAt)
	assert.Equal(t, "/w/u-ok.stdout", units[0].Stdout)

	assert.Equal(t, "FAILED", units[1].State)
	assert.Equal(t, -1, units[1].ExitCode)
	assert.Contains(t, units[1].Error, "denied")
	assert.Nil(t, units[1].StartedAt)

	assert.Equal(t, 3, units[2].ExitCode)

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Units)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 2, got.Failed)
}

func TestRecordUnit_ReplacesSameUnit(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	run := &Run{Backend: "stage", WorkDir: "/w"}
	require.NoError(t, l.CreateRun(ctx, run))

	require.NoError(t, l.RecordUnit(ctx, run.ID, result("u-1", 0, 1, &unit.ChildProcessError{ExitCode: 1})))
	require.NoError(t, l.RecordUnit(ctx, run.ID, result("u-1", 0, 0, nil)))

	units, err := l.ListUnits(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, 0, units[0].ExitCode)
}

func TestRecordUnit_UnknownRun(t *testing.T) {
	l := testLedger(t)
	err := l.RecordUnit(context.Background(), "missing", result("u-1", 0, 0, nil))
	assert.Error(t, err, "foreign key must reject units of unknown runs")
}

func TestFinishRun(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	run := &Run{Backend: "swarm", WorkDir: "/w"}
	require.NoError(t, l.CreateRun(ctx, run))

	require.NoError(t, l.FinishRun(ctx, run.ID, RunCompleted, "/w/swarm.sh", nil))
	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.State)
	assert.Equal(t, "/w/swarm.sh", got.Artifact)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)

	require.NoError(t, l.FinishRun(ctx, run.ID, RunCancelled, "", errors.New("interrupted")))
	got, err = l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", got.Error)

	assert.ErrorIs(t, l.FinishRun(ctx, "nope", RunFailed, "", nil), ErrNotFound)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := testLedger(t).GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_NewestFirst(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, l.CreateRun(ctx, &Run{ID: id, Backend: "local", WorkDir: "/w", CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := l.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "C", runs[0].ID)
	assert.Equal(t, "B", runs[1].ID)
}

func TestLedger_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := NewSQLiteLedger(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Migrate(ctx))
	run := &Run{Backend: "local", WorkDir: "/w"}
	require.NoError(t, l.CreateRun(ctx, run))
	require.NoError(t, l.RecordUnit(ctx, run.ID, result("u-1", 0, 0, nil)))
	require.NoError(t, l.Close())

	l, err = NewSQLiteLedger(path, nil)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Migrate(ctx), "migrate is idempotent")
	units, err := l.ListUnits(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}
