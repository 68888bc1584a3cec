package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/cromrunner/internal/ledger"
)

func newStatusCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Query the status server of a running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			client := NewClient(server, logger)
			out := cmd.OutOrStdout()

			resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			var run ledger.Run
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Fprintf(out, "Run: %s\n", run.ID)
			fmt.Fprintf(out, "  Backend: %s\n", run.Backend)
			fmt.Fprintf(out, "  State:   %s\n", run.State)
			fmt.Fprintf(out, "  Units:   %d recorded", run.Units)
			if run.Succeeded > 0 {
				fmt.Fprintf(out, ", %d succeeded", run.Succeeded)
			}
			if run.Failed > 0 {
				fmt.Fprintf(out, ", %d failed", run.Failed)
			}
			fmt.Fprintln(out)

			resp, err = client.Get(cmd.Context(), "/api/v1/runs/"+id+"/units")
			if err != nil {
				return fmt.Errorf("list units: %w", err)
			}
			var units []ledger.UnitRecord
			if err := json.Unmarshal(resp.Data, &units); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			for _, u := range units {
				if u.State == "SUCCESS" || u.State == "PREPARED" {
					continue
				}
				fmt.Fprintf(out, "    - row %d: %s (exit %d) %s\n", u.RowIndex, u.State, u.ExitCode, u.Stderr)
			}

			fmt.Fprintf(out, "  Created: %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "  Finished: %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8090", "Status server URL")
	return cmd
}
