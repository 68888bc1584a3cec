package unit

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrAlreadyMaterialized means MaterializeInputs ran twice on one unit.
	ErrAlreadyMaterialized = errors.New("unit inputs already materialized")
	// ErrNotMaterialized means a later step ran before MaterializeInputs.
	ErrNotMaterialized = errors.New("unit inputs not materialized")
	// ErrUnresolvedInvocation means invocation tags survived resolution.
	ErrUnresolvedInvocation = errors.New("invocation has unresolved tags")
	// ErrCancelled is returned when the batch context is cancelled while a
	// unit is running. It always propagates to the caller.
	ErrCancelled = errors.New("execution cancelled")
)

// IOError reports a file that could not be created or written for a unit.
type IOError struct {
	Op   string // "write inputs", "create stdout", "create stderr"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ChildProcessError records an engine run that did not succeed. Err is set
// when the process could not be launched at all.
type ChildProcessError struct {
	ExitCode int
	Err      error
}

func (e *ChildProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %v", e.Err)
	}
	return fmt.Sprintf("engine exited with status %d", e.ExitCode)
}

func (e *ChildProcessError) Unwrap() error {
	return e.Err
}
