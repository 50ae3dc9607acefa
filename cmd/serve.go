// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/telemetry"
)

// errServeDone stops the serve group once --exit-when-done sessions finish.
var errServeDone = errors.New("sessions finished")

func newServeCommand(root *rootOptions) *cobra.Command {
	flags := &sessionFlags{}
	var (
		listen       string
		exitWhenDone bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve [target-file]...",
		Short: "Serve the telemetry stream, optionally while running sessions.",
		Long: `Starts the telemetry HTTP server (/sessions, /sessions/{id}/events,
/metrics, /healthz) and runs any given target files. The server keeps running
until interrupted, or until the sessions finish with --exit-when-done.`,
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
			addr := cfg.Telemetry().ListenAddr
			if cmd.Flags().Changed("listen") {
				addr = listen
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			server := telemetry.NewServer(components.Publisher, telemetry.ServerOptions{
				PingPeriod: cfg.Telemetry().PingPeriod,
				Metrics:    components.Metrics,
			}, logger)

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			httpServer := &http.Server{
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logger.Info("Telemetry server listening", zap.String("addr", ln.Addr().String()))
			fmt.Fprintf(cmd.ErrOrStderr(), "Telemetry listening on http://%s\n", ln.Addr())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})

			var runErr error
			g.Go(func() error {
				if len(targets) > 0 {
					results := components.Engine.RunAll(gctx, targets)
					if err := printResults(cmd.OutOrStdout(), results, flags.output); err != nil {
						return err
					}
					runErr = resultsError(gctx, results)
					if exitWhenDone {
						return errServeDone
					}
				}
				<-gctx.Done()
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Telemetry streams did not close in time", zap.Error(err))
				}
				return httpServer.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, errServeDone) {
				return err
			}
			logger.Info("Telemetry server stopped")
			return runErr
		},
	}

	flags.register(serveCmd)
	serveCmd.Flags().StringVar(&listen, "listen", "", "Address for the telemetry server. (Overrides config/env)")
	serveCmd.Flags().BoolVar(&exitWhenDone, "exit-when-done", false, "Stop serving once every given target has finished.")
	return serveCmd
}
