package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/cromrunner/internal/orchestrator"
	"github.com/me/cromrunner/internal/template"
)

func newInvocationCmd() *cobra.Command {
	var f runFlags
	var input string
	cmd := &cobra.Command{
		Use:   "invocation",
		Short: "Print the engine command line every unit of a run would share",
		Long: `Print the base invocation with the engine, configuration and workflow
resolved and INPUT_TAG left in place. With --input, INPUT_TAG is resolved too.
Paths are made absolute but not checked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return fatalConfig(err)
			}
			for _, p := range []*string{&cfg.Engine, &cfg.EngineConfig, &cfg.Workflow} {
				if *p == "" {
					continue
				}
				if *p, err = filepath.Abs(*p); err != nil {
					return err
				}
			}

			base, err := orchestrator.BaseInvocation(cfg)
			if err != nil {
				return fatalConfig(err)
			}
			if input != "" {
				abs, err := filepath.Abs(input)
				if err != nil {
					return err
				}
				base = template.RenderInput(base, abs)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base)
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&input, "input", "", "Input document to substitute for INPUT_TAG")
	return cmd
}
