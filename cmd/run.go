// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/engine"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/targetdata"
)

// sessionFlags are the overrides shared by run and serve.
type sessionFlags struct {
	backend     string
	headless    bool
	concurrency int
	resultsDir  string
	siteDir     string
	output      string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "Device backend: 'live', 'simulation' or 'http'. (Overrides config/env)")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "Run the live browser without a window. (Overrides config/env)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "j", 0, "Number of concurrent sessions. (Overrides config/env)")
	cmd.Flags().StringVar(&f.resultsDir, "results-dir", "", "Directory for result and journal files. (Overrides config/env)")
	cmd.Flags().StringVar(&f.siteDir, "site-dir", "", "Directory of .html pages served by the simulation backend. (Overrides config/env)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "Result output format, 'text' or 'json'.")
}

// apply copies the flags the user actually set onto cfg and revalidates it.
func (f *sessionFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.SetDeviceBackend(f.backend)
	}
	if flags.Changed("headless") {
		cfg.SetDeviceHeadless(f.headless)
	}
	if flags.Changed("concurrency") {
		cfg.SetEngineConcurrency(f.concurrency)
	}
	if flags.Changed("results-dir") {
		cfg.SetResultsDir(f.resultsDir)
	}
	if flags.Changed("site-dir") {
		cfg.SetSiteDir(f.siteDir)
	}
	switch f.output {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported output format %q", f.output)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func newRunCommand(root *rootOptions) *cobra.Command {
	flags := &sessionFlags{}

	runCmd := &cobra.Command{
		Use:   "run <target-file>...",
		Short: "Fill the forms described by one or more target data files.",
		Long: `Runs one session per target data file (YAML or JSON) and prints each
ApplicationResult. The command fails if any session ends in failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := root.cfg

			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			targets, err := loadTargets(args)
			if err != nil {
				return err
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Starting sessions",
				zap.Int("targets", len(targets)),
				zap.String("backend", cfg.Device().Backend),
				zap.Int("concurrency", cfg.Engine().Concurrency))

			results := components.Engine.RunAll(ctx, targets)
			if err := printResults(cmd.OutOrStdout(), results, flags.output); err != nil {
				return err
			}
			return resultsError(ctx, results)
		},
	}

	flags.register(runCmd)
	return runCmd
}

// loadTargets reads every target file before any session starts, so one bad
// file fails the command up front.
func loadTargets(paths []string) ([]schemas.TargetData, error) {
	targets := make([]schemas.TargetData, 0, len(paths))
	for _, p := range paths {
		td, err := targetdata.Load(p)
		if err != nil {
			return nil, err
		}
		targets = append(targets, td)
	}
	return targets, nil
}

func printResults(w io.Writer, results []*schemas.ApplicationResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tOUTCOME\tSTATE\tPAGES\tACTIONS\tERRORS\tTARGET")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Meta.SessionID, r.Outcome, r.FinalState, len(r.Pages), r.Metrics.TotalActions, len(r.Errors), r.Meta.TargetURL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	summary := engine.Summary(results)
	parts := make([]string, 0, 3)
	for _, k := range []schemas.OutcomeKind{schemas.OutcomeKindSuccess, schemas.OutcomeKindPartial, schemas.OutcomeKindFailure} {
		parts = append(parts, fmt.Sprintf("%s=%d", k, summary[k]))
	}
	_, err := fmt.Fprintf(w, "\n%s\n", strings.Join(parts, " "))
	return err
}

// resultsError turns failed sessions into the command's error. A cancelled
// context wins so the caller can exit cleanly.
func resultsError(ctx context.Context, results []*schemas.ApplicationResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	failed := engine.Summary(results)[schemas.OutcomeKindFailure]
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(results))
	}
	return nil
}
