// File: cmd/watch.go
package cmd

import (
	"fmt"
	"io"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/telemetry"
)

func newWatchCommand(_ *rootOptions) *cobra.Command {
	var (
		since      uint64
		format     string
		maxElapsed time.Duration
	)

	watchCmd := &cobra.Command{
		Use:   "watch <server-url> <session-id>",
		Short: "Follow the progress events of a running session.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported output format %q", format)
			}
			observer, err := telemetry.NewObserver(args[0], args[1], telemetry.ObserverOptions{
				Since:      since,
				MaxElapsed: maxElapsed,
				Logger:     observability.GetLogger(),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			return observer.Run(cmd.Context(), func(ev schemas.ProgressEvent) error {
				if format == "json" {
					return enc.Encode(ev)
				}
				return printEvent(out, ev)
			})
		},
	}

	watchCmd.Flags().Uint64Var(&since, "since", 0, "Resume after this sequence number.")
	watchCmd.Flags().StringVarP(&format, "output", "o", "text", "Event output format, 'text' or 'json'.")
	watchCmd.Flags().DurationVar(&maxElapsed, "max-elapsed", 2*time.Minute, "Give up reconnecting after this long. Zero retries forever.")
	return watchCmd
}

func printEvent(w io.Writer, ev schemas.ProgressEvent) error {
	line := fmt.Sprintf("#%-4d %-13s %3d%%", ev.Sequence, ev.Status, ev.ProgressPercent)
	switch {
	case ev.IsGap():
		line += fmt.Sprintf("  dropped %d..%d", ev.Gap.From, ev.Gap.To)
	case ev.Error != nil:
		line += fmt.Sprintf("  %s: %s", ev.Error.Kind, ev.Error.Message)
	case ev.Status == schemas.StatusScreenshot && len(ev.Screenshots) > 0:
		line += "  " + ev.Screenshots[len(ev.Screenshots)-1]
	case ev.State != "":
		line += "  " + ev.State
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
