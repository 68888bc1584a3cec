package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func validConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := Default()
	cfg.Engine = writeFile(t, dir, "cromwell.jar", "jar")
	cfg.InputTemplate = writeFile(t, dir, "inputs.json", `{"wf.x": "<x>"}`)
	cfg.Manifest = writeFile(t, dir, "manifest.csv", "x\n1\n")
	cfg.Workflow = writeFile(t, dir, "main.wdl", "workflow wf {}")
	cfg.WorkDirRoot = dir
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "cromwell.jar", cfg.Engine)
	assert.Equal(t, ",", cfg.Delimiter)
	assert.Equal(t, 64000, cfg.MaxRows)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Ceiling)
	assert.Equal(t, "local", cfg.Backend)
	assert.True(t, cfg.Ledger.Enabled)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", `
backend: swarm
concurrency: 16
ceiling: 90m
delimiter: "\t"
swarm:
  memory_gb: 32
  modules: [java/17, cromwell]
ledger:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "swarm", cfg.Backend)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 90*time.Minute, cfg.Ceiling)
	assert.Equal(t, "\t", cfg.Delimiter)
	assert.Equal(t, 32, cfg.Swarm.MemoryGB)
	assert.Equal(t, []string{"java/17", "cromwell"}, cfg.Swarm.Modules)
	assert.False(t, cfg.Ledger.Enabled)

	// Untouched keys keep defaults.
	assert.Equal(t, "cromwell.jar", cfg.Engine)
	assert.Equal(t, "24:00:00", cfg.Swarm.Time)
	assert.Equal(t, 64000, cfg.MaxRows)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "concurrency: [oops\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Manifest))
}

func TestValidate_MakesPathsAbsolute(t *testing.T) {
	cfg := validConfig(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, cfg.Workflow)
	require.NoError(t, err)
	cfg.Workflow = rel
	cfg.Ledger.Path = "runs.db"

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Workflow))
	assert.Equal(t, filepath.Join(wd, "runs.db"), cfg.Ledger.Path)
}

func TestValidate_PathNotFound(t *testing.T) {
	tests := []struct {
		role   string
		mutate func(*Config)
	}{
		{"input template", func(c *Config) { c.InputTemplate += ".missing" }},
		{"manifest", func(c *Config) { c.Manifest += ".missing" }},
		{"workflow", func(c *Config) { c.Workflow += ".missing" }},
		{"engine", func(c *Config) { c.Engine += ".missing" }},
		{"engine config", func(c *Config) { c.EngineConfig = "/nonexistent/cromwell.conf" }},
		{"working directory root", func(c *Config) { c.WorkDirRoot = "/nonexistent/root" }},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			var pnf *PathNotFoundError
			require.True(t, errors.As(err, &pnf), "got %v", err)
			assert.Equal(t, tt.role, pnf.Role)
		})
	}
}

func TestValidate_RemoteEngineNotChecked(t *testing.T) {
	for _, b := range []string{"swarm", "stage"} {
		cfg := validConfig(t)
		cfg.Backend = b
		cfg.Engine = "/cluster/apps/cromwell.jar"
		assert.NoError(t, cfg.Validate(), b)
	}
}

func TestValidate_NormalizesBackend(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backend = " Local"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Backend)

	cfg = validConfig(t)
	cfg.Backend = "LOCAL"
	cfg.Engine += ".missing"
	var pnf *PathNotFoundError
	require.ErrorAs(t, cfg.Validate(), &pnf)
	assert.Equal(t, "engine", pnf.Role)

	cfg = validConfig(t)
	cfg.Backend = "gcp"
	assert.Error(t, cfg.Validate())
}

func TestValidate_MissingSettings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Manifest = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSetting)

	cfg = validConfig(t)
	cfg.Delimiter = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSetting)

	cfg = validConfig(t)
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestLedgerPath(t *testing.T) {
	cfg := Default()
	cfg.WorkDirRoot = "/scratch"
	assert.Equal(t, "/scratch/cromrunner.db", cfg.LedgerPath())

	cfg.Ledger.Path = "/var/lib/cromrunner/runs.db"
	assert.Equal(t, "/var/lib/cromrunner/runs.db", cfg.LedgerPath())
}
