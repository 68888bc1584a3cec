package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/cromrunner/internal/logging"
	"github.com/me/cromrunner/internal/unit"
)

// DefaultConcurrency is the local pool size when none is configured.
const DefaultConcurrency = 4

// DefaultCeiling bounds a whole local batch. Engine runs are long, the
// ceiling exists so the runner never blocks forever.
const DefaultCeiling = 24 * time.Hour

// ErrCeilingExceeded is the cancellation cause when a batch outlives its ceiling.
var ErrCeilingExceeded = errors.New("batch ceiling exceeded")

// LocalConfig configures the local worker pool.
type LocalConfig struct {
	Concurrency int
	Ceiling     time.Duration
	Recorder    Recorder
}

// Local runs units concurrently on this machine across a fixed number of slots.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger
}

// NewLocal creates a local dispatcher, applying defaults to zero values.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	return &Local{
		cfg:    cfg,
		logger: logging.Component(logger, "local-dispatcher"),
	}
}

// Kind returns KindLocal.
func (l *Local) Kind() Kind {
	return KindLocal
}

// Dispatch executes every unit, at most Concurrency at a time. Finished
// units are delivered on one channel and aggregated here.
//
// When ctx is cancelled or the ceiling expires, in-flight engine processes
// are terminated, no further units are started, and the partial Result is
// returned together with an error wrapping unit.ErrCancelled. Units never
// started are absent from the Result.
func (l *Local) Dispatch(ctx context.Context, units []*unit.Unit) (*Result, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, l.cfg.Ceiling, ErrCeilingExceeded)
	defer cancel()

	l.logger.Info("dispatching",
		"units", len(units),
		"slots", l.cfg.Concurrency,
		"ceiling", l.cfg.Ceiling)

	sem := NewSemaphore(l.cfg.Concurrency)
	results := make(chan *unit.Result, len(units))
	var wg sync.WaitGroup

	issued := 0
	for _, u := range units {
		if !sem.Acquire(ctx) {
			break
		}
		issued++
		wg.Add(1)
		unitsInFlight.Inc()
		go func(u *unit.Unit) {
			defer wg.Done()
			defer sem.Release()
			defer unitsInFlight.Dec()

			l.logger.Debug("unit started", "unit_id", u.ID(), "row", u.RowIndex())
			// Cancellation is read back from ctx below; the per-unit
			// error carries nothing the result does not.
			res, _ := u.Execute(ctx)
			results <- res
		}(u)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := &Result{Kind: KindLocal}
	cancelled := false
	for res := range results {
		out.Units = append(out.Units, res)
		observe(KindLocal, res)
		if res.State() == unit.StateCancelled {
			cancelled = true
		}
		l.logUnit(res)
		if l.cfg.Recorder != nil {
			// Recording must outlive batch cancellation.
			if err := l.cfg.Recorder.RecordUnit(context.WithoutCancel(ctx), res); err != nil {
				l.logger.Warn("record unit failed", "unit_id", res.UnitID, "error", err)
			}
		}
	}
	out.sortByRow()

	if cancelled || issued < len(units) {
		cause := context.Cause(ctx)
		l.logger.Warn("batch cancelled",
			"cause", cause,
			"completed", len(out.Units),
			"not_started", len(units)-issued)
		return out, fmt.Errorf("%w: %w", unit.ErrCancelled, cause)
	}

	l.logger.Info("batch finished",
		"succeeded", out.Succeeded(),
		"failed", out.Failed())
	return out, nil
}

func (l *Local) logUnit(res *unit.Result) {
	switch res.State() {
	case unit.StateSuccess:
		l.logger.Info("unit succeeded",
			"unit_id", res.UnitID,
			"row", res.RowIndex,
			"duration", res.Duration.Round(time.Millisecond))
	case unit.StateCancelled:
		l.logger.Warn("unit cancelled", "unit_id", res.UnitID, "row", res.RowIndex)
	default:
		l.logger.Error("unit failed",
			"unit_id", res.UnitID,
			"row", res.RowIndex,
			"exit_code", res.ExitCode,
			"stderr", res.StderrPath,
			"error", res.Err)
	}
}
