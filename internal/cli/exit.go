package cli

import (
	"errors"

	"github.com/me/cromrunner/internal/config"
	"github.com/me/cromrunner/internal/manifest"
	"github.com/me/cromrunner/internal/orchestrator"
	"github.com/me/cromrunner/internal/unit"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitConfig    = 9   // fatal configuration error, nothing was run
	ExitCancelled = 130 // interrupted, as a shell reports SIGINT
)

// configError marks an error found before any unit was built.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func fatalConfig(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cfgErr *configError
	var pnf *config.PathNotFoundError
	var tooLarge *manifest.TooLargeError
	switch {
	case errors.Is(err, unit.ErrCancelled):
		return ExitCancelled
	case errors.As(err, &cfgErr),
		errors.As(err, &pnf),
		errors.As(err, &tooLarge),
		errors.Is(err, orchestrator.ErrEmptyTemplate):
		return ExitConfig
	default:
		return ExitError
	}
}
