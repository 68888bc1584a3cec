package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/cromrunner/internal/ledger"
)

func newLedgerCmd() *cobra.Command {
	var runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger <db>",
		Short: "List runs, or the units of one run, recorded in a ledger database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			l, err := ledger.NewSQLiteLedger(args[0], logger)
			if err != nil {
				return err
			}
			defer l.Close()
			if err := l.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate ledger: %w", err)
			}

			out := cmd.OutOrStdout()
			if runID == "" {
				runs, err := l.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded.")
					return nil
				}
				fmt.Fprintf(out, "%-26s  %-6s  %-10s  %5s  %5s  %5s  %s\n", "RUN", "BACKEND", "STATE", "UNITS", "OK", "FAIL", "CREATED")
				for _, r := range runs {
					fmt.Fprintf(out, "%-26s  %-6s  %-10s  %5d  %5d  %5d  %s\n",
						r.ID, r.Backend, r.State, r.Units, r.Succeeded, r.Failed, r.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			run, err := l.GetRun(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("get run %s: %w", runID, err)
			}
			units, err := l.ListUnits(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "  Backend: %s\n", run.Backend)
			fmt.Fprintf(out, "  State:   %s\n", run.State)
			fmt.Fprintf(out, "  Workdir: %s\n", run.WorkDir)
			if run.Artifact != "" {
				fmt.Fprintf(out, "  Script:  %s\n", run.Artifact)
			}
			if run.Error != "" {
				fmt.Fprintf(out, "  Error:   %s\n", run.Error)
			}
			fmt.Fprintf(out, "%-5s  %-36s  %-9s  %4s  %s\n", "ROW", "UNIT", "STATE", "EXIT", "STDERR")
			for _, u := range units {
				fmt.Fprintf(out, "%-5d  %-36s  %-9s  %4d  %s\n", u.RowIndex, u.ID, u.State, u.ExitCode, u.Stderr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Show the units of this run")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs listed")
	return cmd
}
