package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/template"
	"github.com/me/cromrunner/internal/unit"
)

// StageScriptFile is the staged script name inside the working directory.
const StageScriptFile = "stage.sh"

// StageConfig configures the stage strategy.
type StageConfig struct {
	WorkDir  string
	Recorder Recorder
}

// Stage materializes every unit and writes the invocations to a plain
// script for inspection. Nothing is executed or submitted.
type Stage struct {
	cfg    StageConfig
	logger *slog.Logger
}

// NewStage creates a stage dispatcher.
func NewStage(cfg StageConfig, logger *slog.Logger) *Stage {
	return &Stage{cfg: cfg, logger: logging.Component(logger, "stage-dispatcher")}
}

// Kind returns KindStage.
func (s *Stage) Kind() Kind {
	return KindStage
}

// Dispatch prepares units and writes stage.sh, one line per unit with the
// same stdout/stderr redirection a local run would use.
func (s *Stage) Dispatch(ctx context.Context, units []*unit.Unit) (*Result, error) {
	if s.cfg.WorkDir == "" {
		return nil, fmt.Errorf("stage: working directory not set")
	}
	ready, out, err := prepareAll(ctx, KindStage, units, s.cfg.Recorder, s.logger)
	if err != nil {
		return out, err
	}

	lines := []string{
		"#!/bin/sh",
		fmt.Sprintf("# cromrunner: %d staged units, not submitted", len(ready)),
	}
	for _, u := range ready {
		lines = append(lines, fmt.Sprintf("%s >%s 2>%s",
			u.Invocation(),
			template.ShellQuote(u.StdoutPath()),
			template.ShellQuote(u.StderrPath())))
	}

	path := filepath.Join(s.cfg.WorkDir, StageScriptFile)
	if err := writeScript(path, lines); err != nil {
		return out, err
	}
	out.Artifact = path
	s.logger.Info("staged", "script", path, "units", len(ready), "skipped", len(units)-len(ready))
	return out, nil
}
