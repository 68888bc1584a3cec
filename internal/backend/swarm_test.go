package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/cromrunner/internal/template"
	"github.com/me/cromrunner/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwarm_WritesTaskListAndScript(t *testing.T) {
	dir := t.TempDir()
	base := template.RenderBase(template.DefaultInvocation, template.Base{
		EngineConfig: template.ConfigFlag("/etc/cromwell.conf"),
		Engine:       "/opt/cromwell.jar",
		Workflow:     "/wdl/main.wdl",
	})
	units := makeUnits(t, dir, base, 3)
	rec := &memRecorder{}

	d := NewSwarm(SwarmConfig{
		WorkDir:  dir,
		Modules:  []string{"java/17", "cromwell"},
		Recorder: rec,
	}, nil)
	res, err := d.Dispatch(context.Background(), units)
	require.NoError(t, err)
	assert.Equal(t, KindSwarm, res.Kind)
	assert.Equal(t, 3, res.Succeeded())
	assert.Equal(t, 3, rec.count())

	tasks, err := os.ReadFile(res.TaskList)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(tasks), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Empty(t, template.RemainingTags(line), "line %d: %s", i, line)
		assert.Equal(t, units[i].Invocation(), line)
		assert.Contains(t, line, "-Dconfig.file=/etc/cromwell.conf")
	}

	assert.Equal(t, filepath.Join(dir, SwarmScriptFile), res.Artifact)
	script, err := os.ReadFile(res.Artifact)
	require.NoError(t, err)
	body := string(script)
	assert.True(t, strings.HasPrefix(body, "#!/usr/bin/env bash\n"))
	assert.Contains(t, body, "-f "+res.TaskList)
	assert.Contains(t, body, "swarm -v 3 --time 24:00:00 -g 8 -t 2 --module java/17 --module cromwell")
	assert.Contains(t, body, "--logdir "+filepath.Join(dir, "swarm-logs"))

	info, err := os.Stat(res.Artifact)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// Nothing ran: no capture files exist.
	for _, u := range units {
		_, err := os.Stat(u.StdoutPath())
		assert.True(t, os.IsNotExist(err))
	}
}

func TestSwarm_FailedUnitIsOmittedFromTaskList(t *testing.T) {
	dir := t.TempDir()
	units := makeUnits(t, dir, "run INPUT_TAG", 2)
	units = append(units, unit.New(unit.Spec{RowIndex: 2, BaseInvocation: "run INPUT_TAG", WorkDir: filepath.Join(dir, "nope")}))

	res, err := NewSwarm(SwarmConfig{WorkDir: dir}, nil).Dispatch(context.Background(), units)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, res.Failed())

	tasks, err := os.ReadFile(res.TaskList)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(tasks), "\n"))
}

func TestSwarm_CustomSettings(t *testing.T) {
	d := NewSwarm(SwarmConfig{
		WorkDir:    "/w",
		Command:    "/usr/local/bin/swarm",
		Verbosity:  1,
		Time:       "02:00:00",
		MemoryGB:   32,
		Threads:    8,
		LogDir:     "/logs/my run",
		ExtraFlags: []string{"--partition", "norm"},
	}, nil)

	got := d.command("/w/swarm.tasks")
	assert.Equal(t, "/usr/local/bin/swarm -v 1 --time 02:00:00 -g 32 -t 8 --logdir '/logs/my run' --partition norm -f /w/swarm.tasks", got)
}

func TestSwarm_RequiresWorkDir(t *testing.T) {
	_, err := NewSwarm(SwarmConfig{}, nil).Dispatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestSwarm_Cancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSwarm(SwarmConfig{WorkDir: dir}, nil).Dispatch(ctx, makeUnits(t, dir, "x INPUT_TAG", 2))
	assert.ErrorIs(t, err, unit.ErrCancelled)
	_, statErr := os.Stat(filepath.Join(dir, SwarmTaskFile))
	assert.True(t, os.IsNotExist(statErr))
}
