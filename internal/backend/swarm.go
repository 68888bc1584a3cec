package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/template"
	"github.com/me/cromrunner/internal/unit"
)

// Swarm file names inside the run working directory.
const (
	SwarmTaskFile   = "swarm.tasks"
	SwarmScriptFile = "swarm.sh"
)

// SwarmConfig configures the batch-submission strategy. Zero values fall
// back to DefaultSwarmConfig.
type SwarmConfig struct {
	WorkDir    string
	Command    string   // scheduler binary, "swarm"
	Verbosity  int      // -v
	Time       string   // --time, HH:MM:SS per task
	MemoryGB   int      // -g
	Threads    int      // -t
	Modules    []string // --module, one flag per module
	LogDir     string   // --logdir; default <workdir>/swarm-logs
	ExtraFlags []string // appended verbatim
	Recorder   Recorder
}

// DefaultSwarmConfig returns the scheduler settings used when none are given.
func DefaultSwarmConfig() SwarmConfig {
	return SwarmConfig{
		Command:   "swarm",
		Verbosity: 3,
		Time:      "24:00:00",
		MemoryGB:  8,
		Threads:   2,
	}
}

// Swarm writes a task list and a submission script for the swarm batch
// scheduler. It never executes units or the script.
type Swarm struct {
	cfg    SwarmConfig
	logger *slog.Logger
}

// NewSwarm creates a swarm dispatcher.
func NewSwarm(cfg SwarmConfig, logger *slog.Logger) *Swarm {
	def := DefaultSwarmConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.Verbosity == 0 {
		cfg.Verbosity = def.Verbosity
	}
	if cfg.Time == "" {
		cfg.Time = def.Time
	}
	if cfg.MemoryGB == 0 {
		cfg.MemoryGB = def.MemoryGB
	}
	if cfg.Threads == 0 {
		cfg.Threads = def.Threads
	}
	if cfg.LogDir == "" && cfg.WorkDir != "" {
		cfg.LogDir = filepath.Join(cfg.WorkDir, "swarm-logs")
	}
	return &Swarm{cfg: cfg, logger: logging.Component(logger, "swarm-dispatcher")}
}

// Kind returns KindSwarm.
func (s *Swarm) Kind() Kind {
	return KindSwarm
}

// Dispatch prepares every unit, writes one invocation per line to the task
// list and writes the submission script. Result.Artifact is the script path;
// running it is up to the caller.
func (s *Swarm) Dispatch(ctx context.Context, units []*unit.Unit) (*Result, error) {
	if s.cfg.WorkDir == "" {
		return nil, fmt.Errorf("swarm: working directory not set")
	}
	ready, out, err := prepareAll(ctx, KindSwarm, units, s.cfg.Recorder, s.logger)
	if err != nil {
		return out, err
	}

	taskPath := filepath.Join(s.cfg.WorkDir, SwarmTaskFile)
	var tasks strings.Builder
	for _, u := range ready {
		tasks.WriteString(u.Invocation())
		tasks.WriteByte('\n')
	}
	if err := os.WriteFile(taskPath, []byte(tasks.String()), 0o644); err != nil {
		return out, fmt.Errorf("write task list: %w", err)
	}

	scriptPath := filepath.Join(s.cfg.WorkDir, SwarmScriptFile)
	script := []string{
		"#!/usr/bin/env bash",
		fmt.Sprintf("# cromrunner: %d tasks for %s", len(ready), s.cfg.Command),
		"set -euo pipefail",
		s.command(taskPath),
	}
	if err := writeScript(scriptPath, script); err != nil {
		return out, err
	}

	out.TaskList = taskPath
	out.Artifact = scriptPath
	s.logger.Info("submission script written",
		"script", scriptPath,
		"tasks", len(ready),
		"skipped", len(units)-len(ready))
	return out, nil
}

// command builds the scheduler command line for a task list.
func (s *Swarm) command(taskPath string) string {
	args := []string{
		s.cfg.Command,
		"-v", strconv.Itoa(s.cfg.Verbosity),
		"--time", s.cfg.Time,
		"-g", strconv.Itoa(s.cfg.MemoryGB),
		"-t", strconv.Itoa(s.cfg.Threads),
	}
	for _, m := range s.cfg.Modules {
		if m = strings.TrimSpace(m); m != "" {
			args = append(args, "--module", template.ShellQuote(m))
		}
	}
	if s.cfg.LogDir != "" {
		args = append(args, "--logdir", template.ShellQuote(s.cfg.LogDir))
	}
	args = append(args, s.cfg.ExtraFlags...)
	args = append(args, "-f", template.ShellQuote(taskPath))
	return strings.Join(args, " ")
}
