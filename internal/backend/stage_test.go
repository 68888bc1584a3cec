package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/cromrunner/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_NeverExecutes(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "engine-ran")
	units := makeUnits(t, dir, "touch "+marker+" INPUT_TAG", 4)

	res, err := NewStage(StageConfig{WorkDir: dir}, nil).Dispatch(context.Background(), units)
	require.NoError(t, err)
	assert.Equal(t, KindStage, res.Kind)
	assert.Equal(t, 4, res.Succeeded())

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "stage must not run the engine")

	for _, u := range units {
		data, err := os.ReadFile(u.InputPath())
		require.NoError(t, err, "inputs for unit %s", u.ID())
		assert.NotContains(t, string(data), "<sample>")
		_, err = os.Stat(u.StdoutPath())
		assert.True(t, os.IsNotExist(err))
	}

	script, err := os.ReadFile(res.Artifact)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(script), "\n"), "\n")
	require.Len(t, lines, 2+len(units))
	assert.Equal(t, "#!/bin/sh", lines[0])
	for i, u := range units {
		line := lines[2+i]
		assert.True(t, strings.HasPrefix(line, u.Invocation()+" >"), line)
		assert.Contains(t, line, u.StdoutPath())
		assert.Contains(t, line, u.StderrPath())
		assert.Empty(t, template.RemainingTags(line))
	}

	info, err := os.Stat(res.Artifact)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestStage_RequiresWorkDir(t *testing.T) {
	_, err := NewStage(StageConfig{}, nil).Dispatch(context.Background(), nil)
	assert.Error(t, err)
}
