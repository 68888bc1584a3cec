// Package orchestrator drives one batch: it loads the input template once,
// creates the run working directory, turns manifest rows into work units
// and hands them to a backend dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/cromrunner/internal/backend"
	"github.com/me/cromrunner/internal/config"
	"github.com/me/cromrunner/internal/ledger"
	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/manifest"
	"github.com/me/cromrunner/internal/template"
	"github.com/me/cromrunner/internal/unit"
)

// ErrEmptyTemplate is returned when the input template or the invocation
// template has no content.
var ErrEmptyTemplate = errors.New("template must not be empty")

// ErrNoInputTag is returned when the invocation template cannot receive
// the per-unit input document.
var ErrNoInputTag = fmt.Errorf("invocation template has no %s", template.InputTag)

// Orchestrator owns the run context and the units built from it.
type Orchestrator struct {
	cfg      config.Config
	kind     backend.Kind
	selector *manifest.Selector
	root     *slog.Logger
	logger   *slog.Logger
	ledger   *ledger.SQLiteLedger
	recorder *runRecorder

	state          State
	inputTemplate  string
	baseInvocation string
	workDir        string
	units          []*unit.Unit
	rowErrors      []*manifest.MalformedRowError
	filtered       int
}

// Option configures optional Orchestrator dependencies.
type Option func(*Orchestrator)

// WithLedger records the run and every unit result in l.
func WithLedger(l *ledger.SQLiteLedger) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// New validates cfg and returns an orchestrator in StateConfigured.
// Configuration problems, including a missing path (*config.PathNotFoundError),
// are reported here before anything touches the disk.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	sel, err := manifest.NewSelector(cfg.Select)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		kind:     kind,
		selector: sel,
		root:     logger,
		logger:   logging.Component(logger, "orchestrator"),
		state:    StateConfigured,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.recorder = &runRecorder{ledger: o.ledger}
	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Config returns the validated run context.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// BaseInvocation returns the invocation shared by every unit, INPUT_TAG
// still in place. Empty before LoadTemplate.
func (o *Orchestrator) BaseInvocation() string { return o.baseInvocation }

// WorkDir returns the run working directory. Empty before CreateWorkingDir.
func (o *Orchestrator) WorkDir() string { return o.workDir }

// Units returns the built units.
func (o *Orchestrator) Units() []*unit.Unit { return o.units }

// RowErrors returns manifest rows skipped for arity mismatches.
func (o *Orchestrator) RowErrors() []*manifest.MalformedRowError { return o.rowErrors }

// Filtered returns the number of rows rejected by the row selector.
func (o *Orchestrator) Filtered() int { return o.filtered }

// RunID returns the ledger run identifier, empty when no run was recorded.
func (o *Orchestrator) RunID() string { return o.recorder.runID }

// Recorder returns the recorder dispatchers should report unit results to.
// It is a no-op without a ledger.
func (o *Orchestrator) Recorder() backend.Recorder { return o.recorder }

func (o *Orchestrator) require(op string, want State) error {
	if o.state != want {
		return &StateError{Op: op, Have: o.state, Want: want}
	}
	return nil
}

// BaseInvocation resolves the run-level invocation tags of cfg.
func BaseInvocation(cfg config.Config) (string, error) {
	tmpl := cfg.Invocation
	if tmpl == "" {
		tmpl = template.DefaultInvocation
	}
	if strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("invocation: %w", ErrEmptyTemplate)
	}
	base := template.RenderBase(tmpl, template.Base{
		Runtime:      cfg.Runtime,
		EngineConfig: template.ConfigFlag(cfg.EngineConfig),
		Engine:       cfg.Engine,
		Workflow:     cfg.Workflow,
	})
	if !strings.Contains(base, template.InputTag) {
		return "", ErrNoInputTag
	}
	return base, nil
}

// LoadTemplate reads the input template once and resolves the base
// invocation once. Every unit shares both.
func (o *Orchestrator) LoadTemplate() error {
	if err := o.require("load template", StateConfigured); err != nil {
		return err
	}

	data, err := os.ReadFile(o.cfg.InputTemplate)
	if err != nil {
		return fmt.Errorf("read input template: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("%s: %w", o.cfg.InputTemplate, ErrEmptyTemplate)
	}

	base, err := BaseInvocation(o.cfg)
	if err != nil {
		return err
	}

	o.inputTemplate = string(data)
	o.baseInvocation = base
	o.state = StateTemplateLoaded
	o.logger.Debug("template loaded",
		"input_template", o.cfg.InputTemplate,
		"bytes", len(data),
		"invocation", base)
	return nil
}

const (
	randGroups   = 3
	randGroupLen = 8
	mkdirRetries = 5
)

// CreateWorkingDir creates <root>/<prefix>-XXXXXXXX-XXXXXXXX-XXXXXXXX with
// random uppercase letters. All unit files of the run go there.
func (o *Orchestrator) CreateWorkingDir() (string, error) {
	if err := o.require("create working dir", StateTemplateLoaded); err != nil {
		return "", err
	}

	var lastErr error
	for range mkdirRetries {
		dir := filepath.Join(o.cfg.WorkDirRoot, workDirName(o.cfg.WorkDirPrefix))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			o.workDir = dir
			o.state = StateWorkingDirCreated
			o.logger.Info("working directory created", "path", dir)
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create working directory: %w", err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("create working directory: %w", lastErr)
}

func workDirName(prefix string) string {
	parts := make([]string, 0, randGroups+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for range randGroups {
		parts = append(parts, randomUpper(randGroupLen))
	}
	return strings.Join(parts, "-")
}

func randomUpper(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('A' + rand.IntN(26))
	}
	return string(b)
}

// BuildUnits parses the manifest once and builds one unit per accepted row.
//
// A manifest over the row cap is fatal: the still empty working directory
// is removed and *manifest.TooLargeError returned, so no file is left
// behind. Rows with the wrong arity are recorded and skipped. Rows the
// selector rejects are counted and skipped.
func (o *Orchestrator) BuildUnits() ([]*unit.Unit, error) {
	if err := o.require("build units", StateWorkingDirCreated); err != nil {
		return nil, err
	}

	m, err := manifest.ParseFile(o.cfg.Manifest, manifest.Options{
		Delimiter: o.cfg.Delimiter,
		MaxRows:   o.cfg.MaxRows,
	})
	if err != nil {
		var tooLarge *manifest.TooLargeError
		if errors.As(err, &tooLarge) {
			if rmErr := os.Remove(o.workDir); rmErr != nil {
				o.logger.Warn("remove working directory", "path", o.workDir, "error", rmErr)
			} else {
				o.workDir = ""
			}
		}
		return nil, err
	}

	for _, rowErr := range m.Errors {
		o.logger.Warn("malformed manifest row skipped", "line", rowErr.Line, "fields", rowErr.Got, "want", rowErr.Want)
	}
	o.rowErrors = m.Errors

	units := make([]*unit.Unit, 0, len(m.Rows))
	for _, row := range m.Rows {
		ok, err := o.selector.Match(row.Fields)
		if err != nil {
			o.logger.Warn("row selector failed, row skipped", "line", row.Line, "error", err)
			o.filtered++
			continue
		}
		if !ok {
			o.filtered++
			continue
		}

		u := unit.New(unit.Spec{
			RowIndex:       row.Index,
			Fields:         row.Fields,
			InputTemplate:  o.inputTemplate,
			InputExt:       o.cfg.InputExt,
			BaseInvocation: o.baseInvocation,
			WorkDir:        o.workDir,
		})
		if left := template.Unresolved(u.RenderInputs()); len(left) > 0 {
			o.logger.Debug("placeholders left literal", "unit_id", u.ID(), "row", row.Index, "placeholders", left)
		}
		units = append(units, u)
	}

	o.units = units
	o.state = StateUnitsBuilt
	o.logger.Info("units built",
		"units", len(units),
		"header", len(m.Header),
		"malformed", len(m.Errors),
		"filtered", o.filtered)
	return units, nil
}

// Dispatcher builds the configured backend for this run's working
// directory, reporting unit results to Recorder.
func (o *Orchestrator) Dispatcher() (backend.Dispatcher, error) {
	if o.state < StateWorkingDirCreated || o.workDir == "" {
		return nil, &StateError{Op: "dispatcher", Have: o.state, Want: StateWorkingDirCreated}
	}

	sw := o.cfg.Swarm
	reg := backend.NewRegistry(o.root)
	reg.Register(backend.NewLocal(backend.LocalConfig{
		Concurrency: o.cfg.Concurrency,
		Ceiling:     o.cfg.Ceiling,
		Recorder:    o.recorder,
	}, o.root))
	reg.Register(backend.NewSwarm(backend.SwarmConfig{
		WorkDir:    o.workDir,
		Command:    sw.Command,
		Verbosity:  sw.Verbosity,
		Time:       sw.Time,
		MemoryGB:   sw.MemoryGB,
		Threads:    sw.Threads,
		Modules:    sw.Modules,
		LogDir:     sw.LogDir,
		ExtraFlags: sw.ExtraFlags,
		Recorder:   o.recorder,
	}, o.root))
	reg.Register(backend.NewStage(backend.StageConfig{
		WorkDir:  o.workDir,
		Recorder: o.recorder,
	}, o.root))

	return reg.Get(o.kind)
}

// AttachLedger records the coming dispatch in l. It may be called any time
// before Dispatch, so callers can defer opening the ledger until the units
// are known to be valid.
func (o *Orchestrator) AttachLedger(l *ledger.SQLiteLedger) error {
	if o.state == StateDispatched {
		return &StateError{Op: "attach ledger", Have: o.state, Want: StateUnitsBuilt}
	}
	o.ledger = l
	o.recorder.ledger = l
	return nil
}

// Dispatch hands the built units to d. With a ledger attached the run is
// opened before dispatch and closed with its final state afterwards, even
// when ctx was cancelled.
func (o *Orchestrator) Dispatch(ctx context.Context, d backend.Dispatcher) (*backend.Result, error) {
	if err := o.require("dispatch", StateUnitsBuilt); err != nil {
		return nil, err
	}

	if o.ledger != nil {
		run := &ledger.Run{
			Backend:  d.Kind().String(),
			WorkDir:  o.workDir,
			Manifest: o.cfg.Manifest,
			Workflow: o.cfg.Workflow,
			Select:   o.selector.String(),
		}
		// The run is recorded even when ctx is already done, so that its
		// cancellation shows up in the ledger.
		if err := o.ledger.CreateRun(context.WithoutCancel(ctx), run); err != nil {
			return nil, fmt.Errorf("open ledger run: %w", err)
		}
		o.recorder.runID = run.ID
		o.logger.Info("run recorded", "run_id", run.ID)
	}

	o.logger.Info("dispatching batch", "backend", d.Kind(), "units", len(o.units))
	res, err := d.Dispatch(ctx, o.units)
	o.state = StateDispatched

	if o.ledger != nil {
		state, artifact := runState(res, err), ""
		if res != nil {
			artifact = res.Artifact
		}
		if ferr := o.ledger.FinishRun(context.WithoutCancel(ctx), o.recorder.runID, state, artifact, err); ferr != nil {
			o.logger.Warn("close ledger run", "run_id", o.recorder.runID, "error", ferr)
		}
	}
	return res, err
}

func runState(res *backend.Result, err error) string {
	switch {
	case errors.Is(err, unit.ErrCancelled):
		return ledger.RunCancelled
	case err != nil:
		return ledger.RunFailed
	case res != nil && res.Failed() > 0:
		return ledger.RunFailed
	default:
		return ledger.RunCompleted
	}
}

// runRecorder forwards unit results to the ledger under the run opened by
// Dispatch. Dispatchers are built before the run exists, so the run ID is
// bound late.
type runRecorder struct {
	ledger *ledger.SQLiteLedger
	runID  string
}

func (r *runRecorder) RecordUnit(ctx context.Context, res *unit.Result) error {
	if r.ledger == nil || r.runID == "" {
		return nil
	}
	return r.ledger.RecordUnit(ctx, r.runID, res)
}
