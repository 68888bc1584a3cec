package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/cromrunner/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_CompletesAllUnitsForAnyPoolSize(t *testing.T) {
	const n = 6
	for _, pool := range []int{1, 3, n, n + 4} {
		dir := t.TempDir()
		units := makeUnits(t, dir, "cat INPUT_TAG; echo ok >&2", n)
		rec := &memRecorder{}

		res, err := NewLocal(LocalConfig{Concurrency: pool, Recorder: rec}, nil).Dispatch(context.Background(), units)
		require.NoError(t, err, "pool %d", pool)
		require.Len(t, res.Units, n, "pool %d", pool)
		assert.Equal(t, n, res.Succeeded())
		assert.Equal(t, n, rec.count())
		assert.Empty(t, res.Artifact)

		pairs := map[[2]string]bool{}
		for i, r := range res.Units {
			assert.Equal(t, i, r.RowIndex, "results are ordered by row")
			assert.Equal(t, unit.StateSuccess, r.State())
			for _, p := range []string{r.StdoutPath, r.StderrPath} {
				info, err := os.Stat(p)
				require.NoError(t, err)
				assert.NotZero(t, info.Size(), "capture file %s is empty", p)
			}
			pairs[[2]string{r.StdoutPath, r.StderrPath}] = true
		}
		assert.Len(t, pairs, n, "pool %d: capture pairs must be distinct", pool)
	}
}

func TestLocal_EmptyBatch(t *testing.T) {
	res, err := NewLocal(LocalConfig{}, nil).Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Units)
}

func TestLocal_PartialFailuresAreNotABatchError(t *testing.T) {
	dir := t.TempDir()
	units := makeUnits(t, dir, "cat INPUT_TAG", 3)
	units = append(units,
		unit.New(unit.Spec{RowIndex: 3, InputTemplate: testInputs, BaseInvocation: "exit 7", WorkDir: dir}),
		unit.New(unit.Spec{RowIndex: 4, InputTemplate: testInputs, BaseInvocation: "true", WorkDir: filepath.Join(dir, "missing")}),
	)

	res, err := NewLocal(LocalConfig{Concurrency: 2}, nil).Dispatch(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, res.Units, 5)
	assert.Equal(t, 3, res.Succeeded())
	assert.Equal(t, 2, res.Failed())

	assert.Equal(t, 7, res.Units[3].ExitCode)
	var cpErr *unit.ChildProcessError
	assert.ErrorAs(t, res.Units[3].Err, &cpErr)

	assert.Equal(t, unit.LaunchFailed, res.Units[4].ExitCode)
	var ioErr *unit.IOError
	assert.ErrorAs(t, res.Units[4].Err, &ioErr)
}

func TestLocal_CancellationStopsBatch(t *testing.T) {
	dir := t.TempDir()
	units := makeUnits(t, dir, "sleep 30", 5)
	rec := &memRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	res, err := NewLocal(LocalConfig{Concurrency: 2, Recorder: rec}, nil).Dispatch(ctx, units)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unit.ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 10*time.Second)

	require.NotNil(t, res)
	assert.Len(t, res.Units, 2, "only in-flight units are reported")
	for _, r := range res.Units {
		assert.Equal(t, unit.StateCancelled, r.State())
	}
	assert.Equal(t, 2, rec.count())

	// Units never started were not materialized.
	for _, u := range units[2:] {
		assert.False(t, u.Materialized())
	}
}

func TestLocal_Ceiling(t *testing.T) {
	dir := t.TempDir()
	units := makeUnits(t, dir, "sleep 30", 1)

	_, err := NewLocal(LocalConfig{Concurrency: 1, Ceiling: 200 * time.Millisecond}, nil).Dispatch(context.Background(), units)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unit.ErrCancelled))
	assert.True(t, errors.Is(err, ErrCeilingExceeded))
}
