// Package unit implements work units: one manifest row bound to a rendered
// input document, a resolved engine invocation and a pair of capture files.
package unit

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/me/cromrunner/internal/template"
)

// DefaultInputExt is used for input documents when Spec.InputExt is empty.
const DefaultInputExt = ".json"

// Spec carries what the orchestrator hands to each unit. InputTemplate and
// BaseInvocation are shared by every unit of a run and only read.
type Spec struct {
	RowIndex       int
	Fields         map[string]string
	InputTemplate  string
	InputExt       string
	BaseInvocation string // all tags resolved except template.InputTag
	WorkDir        string
}

// Unit is a single runnable engine execution. A unit is prepared at most
// once and never reused after execution.
type Unit struct {
	id             string
	rowIndex       int
	fields         map[string]string
	inputTemplate  string
	inputExt       string
	baseInvocation string
	workDir        string

	inputPath  string
	invocation string
	stdoutPath string
	stderrPath string

	materialized bool
}

// New creates an unprepared unit with a fresh random identifier.
func New(spec Spec) *Unit {
	ext := spec.InputExt
	if ext == "" {
		ext = DefaultInputExt
	}
	return &Unit{
		id:             uuid.NewString(),
		rowIndex:       spec.RowIndex,
		fields:         maps.Clone(spec.Fields),
		inputTemplate:  spec.InputTemplate,
		inputExt:       ext,
		baseInvocation: spec.BaseInvocation,
		workDir:        spec.WorkDir,
	}
}

// ID is the unit's random identifier; it names every file the unit writes.
func (u *Unit) ID() string { return u.id }

func (u *Unit) RowIndex() int { return u.rowIndex }
func (u *Unit) Fields() map[string]string { return maps.Clone(u.fields) }
func (u *Unit) InputPath() string { return u.inputPath }
func (u *Unit) Invocation() string { return u.invocation }
func (u *Unit) StdoutPath() string { return u.stdoutPath }
func (u *Unit) StderrPath() string { return u.stderrPath }
func (u *Unit) Materialized() bool { return u.materialized }

// RenderInputs returns the input document for this unit without writing it.
// Placeholders with no matching field are left literal.
func (u *Unit) RenderInputs() string {
	return template.Render(u.inputTemplate, template.FieldValues(u.fields))
}

// MaterializeInputs renders the input document and writes it to
// <workdir>/<id>.inputs<ext>. Calling it twice returns ErrAlreadyMaterialized.
func (u *Unit) MaterializeInputs() error {
	if u.materialized {
		return fmt.Errorf("unit %s: %w", u.id, ErrAlreadyMaterialized)
	}
	path := filepath.Join(u.workDir, u.id+".inputs"+u.inputExt)
	if err := os.WriteFile(path, []byte(u.RenderInputs()), 0o644); err != nil {
		return &IOError{Op: "write inputs", Path: path, Err: err}
	}
	u.inputPath = path
	u.materialized = true
	return nil
}

// BindCaptureStreams derives the stdout/stderr capture paths. The files are
// created only when the unit executes.
func (u *Unit) BindCaptureStreams() {
	u.stdoutPath = filepath.Join(u.workDir, u.id+".stdout")
	u.stderrPath = filepath.Join(u.workDir, u.id+".stderr")
}

// ResolveInvocation substitutes the input document path into the base
// invocation and records the final command line.
func (u *Unit) ResolveInvocation() (string, error) {
	if !u.materialized {
		return "", fmt.Errorf("unit %s: %w", u.id, ErrNotMaterialized)
	}
	inv := template.RenderInput(u.baseInvocation, u.inputPath)
	if left := template.RemainingTags(inv); len(left) > 0 {
		return "", fmt.Errorf("unit %s: %w: %s", u.id, ErrUnresolvedInvocation, strings.Join(left, ", "))
	}
	u.invocation = inv
	return inv, nil
}

// Prepare runs MaterializeInputs, BindCaptureStreams and ResolveInvocation
// in order. Backends that do not execute units call it directly.
func (u *Unit) Prepare() error {
	if err := u.MaterializeInputs(); err != nil {
		return err
	}
	u.BindCaptureStreams()
	if _, err := u.ResolveInvocation(); err != nil {
		return err
	}
	return nil
}
