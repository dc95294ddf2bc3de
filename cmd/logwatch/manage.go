package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"logwatch/internal/storage"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := &components{}
			defer c.close()
			if err := a.openStore(ctx, c); err != nil {
				return err
			}
			if err := c.store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.logger.Info().Msg("migrations_applied")
			return nil
		},
	}
}

func checkpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect or reset scan checkpoints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the checkpoint of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := &components{}
			defer c.close()
			if err := a.openStore(ctx, c); err != nil {
				return err
			}
			checkpoints, err := c.repo.ListCheckpoints(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COLLECTION\tLAST TIMESTAMP\tLAST ID\tSCANNED\tALERTED\tLAST RUN")
			for _, cp := range checkpoints {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					cp.Collection, cp.LastTimestamp.Format(time.RFC3339), cp.LastID,
					cp.TotalScanned, cp.TotalAlerted, cp.LastRunAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset [collection]",
		Short: "Delete one checkpoint, or all of them, so the next run rescans",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := &components{}
			defer c.close()
			if err := a.openStore(ctx, c); err != nil {
				return err
			}
			collection := ""
			if len(args) == 1 {
				collection = args[0]
			}
			removed, err := c.repo.ResetCheckpoint(ctx, collection)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d checkpoint(s)\n", removed)
			return nil
		},
	})
	return cmd
}

func testChannelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test-channel <telegram|email|nats> <address>",
		Short: "Send a test message through one alert channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c := &components{}
			defer c.close()
			a.openPublisher(c)
			if err := a.buildDispatcher(c, discardAudit{}); err != nil {
				return err
			}
			if err := c.dispatcher.Test(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("test %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "test message sent to %s:%s\n", args[0], args[1])
			return nil
		},
	}
}

// discardAudit satisfies the dispatcher when no database is involved.
type discardAudit struct{}

func (discardAudit) UpsertAudit(context.Context, storage.AuditEntry) error { return nil }
