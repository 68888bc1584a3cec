// Package cli implements the cromrunner command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/me/cromrunner/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger = logging.Discard()
)

// NewRootCmd creates the root cobra command for the cromrunner CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cromrunner",
		Short: "Run a Cromwell workflow once per manifest row",
		Long: `cromrunner turns each row of a delimited manifest into an input document
and one Cromwell invocation, then runs the batch on a local worker pool,
writes a swarm submission, or stages it to disk for inspection.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newInvocationCmd(),
		newLedgerCmd(),
		newStatusCmd(),
	)

	return root
}
