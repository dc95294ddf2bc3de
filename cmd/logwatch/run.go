package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logwatch/internal/admin"
	"logwatch/internal/bus"
	"logwatch/internal/scanner"
)

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one scan over every collection and exit",
		Long: `Perform one scan run. Exits 0 when the run completed, including when
another run already holds the job lease, and 1 when the run failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, c, err := a.buildScanner(ctx)
			defer c.close()
			if err != nil {
				return err
			}
			summary, err := orch.Run(ctx)
			if errors.Is(err, scanner.ErrRunInProgress) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("scan run %s failed: %w", summary.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: %d collections (%d failed), %d logs, %d violations, %d alerts in %dms\n",
				summary.ID, summary.CollectionsScanned, summary.CollectionsFailed,
				summary.LogsProcessed, summary.ViolationsFound, summary.AlertsSent, summary.ElapsedMs)
			return nil
		},
	}
}

func serveCmd(a *app) *cobra.Command {
	var noAdmin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scans on a fixed interval and expose the admin API",
		Long: `Run a scan at startup and then every scan.interval. Runs can also be
requested through POST /runs on the admin API or by publishing to the
logwatch.runs.trigger NATS subject.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, c, err := a.buildScanner(ctx)
			defer c.close()
			if err != nil {
				return err
			}

			trigger := make(chan string)
			if c.publisher != nil {
				sub, err := c.publisher.SubscribeTriggers(func(t bus.Trigger) {
					select {
					case trigger <- "nats:" + t.Reason:
					default:
						a.logger.Info().Str("reason", t.Reason).Msg("run_trigger_dropped_busy")
					}
				})
				if err != nil {
					return fmt.Errorf("subscribe to run triggers: %w", err)
				}
				defer func() { _ = sub.Unsubscribe() }()
			}

			var srv *http.Server
			if !noAdmin {
				srv = &http.Server{
					Addr: ":" + strconv.Itoa(a.cfg.Admin.Port),
					Handler: admin.NewRouter(&admin.Handler{
						Store:   c.repo,
						JobName: a.cfg.Scan.JobName,
						Trigger: trigger,
						Timeout: 5 * time.Second,
						Logger:  a.logger,
					}),
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
					IdleTimeout:  30 * time.Second,
				}
				go func() {
					a.logger.Info().Int("port", a.cfg.Admin.Port).Msg("admin_listening")
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.logger.Error().Err(err).Msg("admin_server_error")
						stop()
					}
				}()
			}

			a.logger.Info().Dur("interval", a.cfg.Scan.Interval).Msg("scheduler_started")
			err = orch.Schedule(ctx, a.cfg.Scan.Interval, trigger)

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			a.logger.Info().Msg("scheduler_stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "do not start the admin HTTP server")
	return cmd
}
