package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/cromrunner/internal/backend"
	"github.com/me/cromrunner/internal/config"
	"github.com/me/cromrunner/internal/ledger"
	"github.com/me/cromrunner/internal/orchestrator"
	"github.com/me/cromrunner/internal/status"
	"github.com/me/cromrunner/internal/template"
	"github.com/me/cromrunner/internal/unit"
)

// runFlags holds flag values; a flag overrides the profile only when set.
type runFlags struct {
	profile       string
	runtime       string
	engine        string
	engineConfig  string
	workflow      string
	inputTemplate string
	manifest      string
	delimiter     string
	maxRows       int
	selectExpr    string
	invocation    string
	workDirRoot   string
	workDirPrefix string
	backend       string
	concurrency   int
	ceiling       time.Duration
	modules       []string
	noLedger      bool
	ledgerPath    string
	statusAddr    string
}

func (f *runFlags) bind(cmd *cobra.Command) {
	def := config.Default()
	fl := cmd.Flags()
	fl.StringVar(&f.profile, "profile", "", "YAML profile with run settings; flags override it")
	fl.StringVar(&f.runtime, "runtime", def.Runtime, "Java launcher used in place of the leading \"java\"")
	fl.StringVarP(&f.engine, "engine", "C", def.Engine, "Path to the Cromwell jar")
	fl.StringVar(&f.engineConfig, "engine-config", "", "Cromwell configuration file (-Dconfig.file)")
	fl.StringVarP(&f.workflow, "workflow", "w", "", "Workflow (WDL) file")
	fl.StringVarP(&f.inputTemplate, "input-template", "t", "", "Input document template with <field> placeholders")
	fl.StringVar(&f.invocation, "invocation", "", "Invocation template override (default \""+template.DefaultInvocation+"\")")
}

func (f *runFlags) bindBatch(cmd *cobra.Command) {
	def := config.Default()
	fl := cmd.Flags()
	fl.StringVarP(&f.manifest, "manifest", "i", "", "Delimited manifest, first line is the header")
	fl.StringVarP(&f.delimiter, "delimiter", "d", def.Delimiter, "Manifest field delimiter")
	fl.IntVar(&f.maxRows, "max-rows", def.MaxRows, "Maximum manifest data rows (negative disables the cap)")
	fl.StringVar(&f.selectExpr, "select", "", "JavaScript expression over `row` selecting manifest rows")
	fl.StringVar(&f.workDirRoot, "workdir-root", def.WorkDirRoot, "Directory in which the run working directory is created")
	fl.StringVar(&f.workDirPrefix, "workdir-prefix", def.WorkDirPrefix, "Run working directory name prefix")
	fl.StringVarP(&f.backend, "backend", "b", def.Backend, "Dispatch backend (local, swarm, stage)")
	fl.IntVarP(&f.concurrency, "concurrency", "n", def.Concurrency, "Concurrent engine runs for the local backend")
	fl.DurationVar(&f.ceiling, "ceiling", def.Ceiling, "Maximum wall time of a local batch")
	fl.StringArrayVar(&f.modules, "module", nil, "Environment module loaded by swarm tasks (repeatable)")
	fl.BoolVar(&f.noLedger, "no-ledger", false, "Do not record the run in the SQLite ledger")
	fl.StringVar(&f.ledgerPath, "ledger", "", "Ledger database (default <workdir-root>/"+config.LedgerFile+")")
	fl.StringVar(&f.statusAddr, "status-addr", "", "Serve run status on this address while the batch runs")
}

// config loads the profile, if any, and applies the flags that were set.
func (f *runFlags) config(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if f.profile != "" {
		loaded, err := config.Load(f.profile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	setString := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	setString("runtime", &cfg.Runtime, f.runtime)
	setString("engine", &cfg.Engine, f.engine)
	setString("engine-config", &cfg.EngineConfig, f.engineConfig)
	setString("workflow", &cfg.Workflow, f.workflow)
	setString("input-template", &cfg.InputTemplate, f.inputTemplate)
	setString("invocation", &cfg.Invocation, f.invocation)
	setString("manifest", &cfg.Manifest, f.manifest)
	setString("delimiter", &cfg.Delimiter, f.delimiter)
	setString("select", &cfg.Select, f.selectExpr)
	setString("workdir-root", &cfg.WorkDirRoot, f.workDirRoot)
	setString("workdir-prefix", &cfg.WorkDirPrefix, f.workDirPrefix)
	setString("backend", &cfg.Backend, f.backend)
	setString("ledger", &cfg.Ledger.Path, f.ledgerPath)
	setString("status-addr", &cfg.StatusAddr, f.statusAddr)
	if changed("max-rows") {
		cfg.MaxRows = f.maxRows
	}
	if changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if changed("ceiling") {
		cfg.Ceiling = f.ceiling
	}
	if changed("module") {
		cfg.Swarm.Modules = f.modules
	}
	if changed("no-ledger") {
		cfg.Ledger.Enabled = !f.noLedger
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build one work unit per manifest row and dispatch the batch",
		Example: `  # Run every row locally, eight at a time
  cromrunner run -C cromwell.jar -w main.wdl -t inputs.json -i samples.csv -n 8

  # Write a swarm submission instead of running
  cromrunner run -b swarm --module java/17 -w main.wdl -t inputs.json -i samples.csv

  # Only rows of one cohort, inspect without running
  cromrunner run -b stage --select 'row.cohort === "pilot"' -w main.wdl -t inputs.json -i samples.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return fatalConfig(err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					logger.Warn("received signal, cancelling batch", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return runBatch(ctx, cfg, cmd.OutOrStdout())
		},
	}
	f.bind(cmd)
	f.bindBatch(cmd)
	return cmd
}

// runBatch drives the orchestrator through every state and prints a summary.
func runBatch(ctx context.Context, cfg config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fatalConfig(err)
	}

	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fatalConfig(err)
	}
	if err := o.LoadTemplate(); err != nil {
		return fatalConfig(err)
	}
	if _, err := o.CreateWorkingDir(); err != nil {
		return err
	}
	units, err := o.BuildUnits()
	if err != nil {
		return fatalConfig(err)
	}

	var reader status.RunReader
	if cfg.Ledger.Enabled {
		l, err := ledger.NewSQLiteLedger(cfg.LedgerPath(), logger)
		if err != nil {
			return fatalConfig(err)
		}
		defer l.Close()
		if err := l.Migrate(ctx); err != nil {
			return fatalConfig(fmt.Errorf("migrate ledger: %w", err))
		}
		if err := o.AttachLedger(l); err != nil {
			return err
		}
		reader = l
	}

	if cfg.StatusAddr != "" {
		srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		defer stop()
		srv := status.New(reader, logger)
		go func() {
			if err := srv.ListenAndServe(srvCtx, cfg.StatusAddr); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	if len(units) == 0 {
		logger.Warn("no units to dispatch", "manifest", cfg.Manifest, "malformed", len(o.RowErrors()), "filtered", o.Filtered())
	}

	d, err := o.Dispatcher()
	if err != nil {
		return err
	}
	res, err := o.Dispatch(ctx, d)
	if res != nil {
		printSummary(out, o, res)
	}
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func printSummary(out io.Writer, o *orchestrator.Orchestrator, res *backend.Result) {
	fmt.Fprintf(out, "Working directory: %s\n", o.WorkDir())
	if id := o.RunID(); id != "" {
		fmt.Fprintf(out, "Run:               %s\n", id)
	}
	fmt.Fprintf(out, "Backend:           %s\n", res.Kind)
	fmt.Fprintf(out, "Units:             %d", len(res.Units))
	if n := len(o.RowErrors()); n > 0 {
		fmt.Fprintf(out, " (%d malformed rows skipped)", n)
	}
	if n := o.Filtered(); n > 0 {
		fmt.Fprintf(out, " (%d rows filtered)", n)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Succeeded:         %d\n", res.Succeeded())
	fmt.Fprintf(out, "Failed:            %d\n", res.Failed())

	switch res.Kind {
	case backend.KindSwarm:
		fmt.Fprintf(out, "Task list:         %s\n", res.TaskList)
		fmt.Fprintf(out, "Submit with:       %s\n", res.Artifact)
	case backend.KindStage:
		fmt.Fprintf(out, "Staged script:     %s\n", res.Artifact)
	}

	for _, r := range res.Units {
		if r.Err == nil || r.State() == unit.StateCancelled {
			continue
		}
		fmt.Fprintf(out, "  row %d (%s): %v\n", r.RowIndex, r.UnitID, r.Err)
	}
}
