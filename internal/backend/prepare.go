package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/me/cromrunner/internal/unit"
)

// prepareAll prepares every unit without executing it. Units that fail are
// recorded and left out of the returned slice.
func prepareAll(ctx context.Context, kind Kind, units []*unit.Unit, rec Recorder, logger *slog.Logger) ([]*unit.Unit, *Result, error) {
	out := &Result{Kind: kind}
	ready := make([]*unit.Unit, 0, len(units))

	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return nil, out, fmt.Errorf("%w: %w", unit.ErrCancelled, context.Cause(ctx))
		}

		err := u.Prepare()
		res := unit.PreparedResult(u, err)
		out.Units = append(out.Units, res)
		observe(kind, res)

		if err != nil {
			logger.Error("unit preparation failed", "unit_id", u.ID(), "row", u.RowIndex(), "error", err)
		} else {
			ready = append(ready, u)
			logger.Debug("unit prepared", "unit_id", u.ID(), "inputs", u.InputPath())
		}
		if rec != nil {
			if rerr := rec.RecordUnit(context.WithoutCancel(ctx), res); rerr != nil {
				logger.Warn("record unit failed", "unit_id", u.ID(), "error", rerr)
			}
		}
	}
	return ready, out, nil
}

// writeScript writes an executable script. The mode is applied with an
// explicit chmod so the process umask cannot strip the execute bits.
func writeScript(path string, lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
