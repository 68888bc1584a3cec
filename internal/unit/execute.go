package unit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LaunchFailed is the exit code recorded when the engine never ran.
const LaunchFailed = -1

// Shell runs resolved invocations.
var Shell = "/bin/sh"

// TerminationGrace is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
var TerminationGrace = 10 * time.Second

// State is the outcome of one unit execution.
type State string

const (
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StatePrepared  State = "PREPARED" // staged or submitted, not executed here
)

// Result describes one execution attempt.
type Result struct {
	UnitID     string
	RowIndex   int
	InputPath  string
	Invocation string
	StdoutPath string
	StderrPath string
	ExitCode   int
	Err        error
	StartedAt  time.Time
	Duration   time.Duration

	executed bool
}

// Succeeded reports whether the engine ran and exited 0.
func (r *Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// State classifies the result.
func (r *Result) State() State {
	switch {
	case errors.Is(r.Err, ErrCancelled):
		return StateCancelled
	case r.Err != nil:
		return StateFailed
	case !r.executed:
		return StatePrepared
	case r.ExitCode == 0:
		return StateSuccess
	default:
		return StateFailed
	}
}

// PreparedResult describes a unit that was prepared but not executed, as
// done by backends that stage or submit units. err is the preparation error,
// if any.
func PreparedResult(u *Unit, err error) *Result {
	res := newResult(u)
	if err != nil {
		res.ExitCode = LaunchFailed
		res.Err = err
	} else {
		res.ExitCode = 0
	}
	return res
}

func newResult(u *Unit) *Result {
	return &Result{
		UnitID:     u.id,
		RowIndex:   u.rowIndex,
		InputPath:  u.inputPath,
		Invocation: u.invocation,
		StdoutPath: u.stdoutPath,
		StderrPath: u.stderrPath,
		ExitCode:   LaunchFailed,
	}
}

// Execute prepares the unit and runs its invocation through Shell with
// stdout and stderr redirected to the capture files.
//
// Per-unit failures (unwritable directory, launch failure, non-zero exit)
// are recorded in the Result and Execute returns a nil error. The only error
// returned is ErrCancelled, when ctx ends while the unit is pending or
// running; the process group is terminated first.
func (u *Unit) Execute(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		res := newResult(u)
		res.Err = cancelled(ctx)
		return res, res.Err
	}

	prepErr := u.Prepare()
	res := newResult(u)
	if prepErr != nil {
		res.Err = prepErr
		return res, nil
	}

	res.StartedAt = time.Now()
	code, err := u.run(ctx)
	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = code
	res.executed = true

	if ctx.Err() != nil {
		res.Err = cancelled(ctx)
		return res, res.Err
	}
	res.Err = err
	return res, nil
}

// run launches the invocation. Both capture files are closed on every path.
func (u *Unit) run(ctx context.Context) (int, error) {
	stdout, err := os.Create(u.stdoutPath)
	if err != nil {
		return LaunchFailed, &IOError{Op: "create stdout", Path: u.stdoutPath, Err: err}
	}
	defer stdout.Close()

	stderr, err := os.Create(u.stderrPath)
	if err != nil {
		return LaunchFailed, &IOError{Op: "create stderr", Path: u.stderrPath, Err: err}
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, Shell, "-c", u.invocation)
	cmd.Dir = u.workDir
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = TerminationGrace
	setProcessGroup(cmd)

	runErr := cmd.Run()
	if ctx.Err() != nil {
		killProcessGroup(cmd)
	}

	if runErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return code, &ChildProcessError{ExitCode: code}
	}
	return LaunchFailed, &ChildProcessError{ExitCode: LaunchFailed, Err: runErr}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
