package main

import (
	"fmt"

	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and trim conversation histories",
	}
	cmd.AddCommand(
		newMemoryTrimCmd(control.HistoryFlush, "Drop the oldest messages of a channel history"),
		newMemoryTrimCmd(control.HistoryClear, "Drop the most recent messages of a channel history"),
		newMemoryTrimCmd(control.HistoryReset, "Delete a channel history"),
		newMemoryMigrateCmd(),
	)
	return cmd
}

func newMemoryTrimCmd(op control.HistoryOp, short string) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   string(op) + " <bot-id> <channel-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.control(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.TrimHistory(cmd.Context(), op, args[0], args[1], count)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages\n", n)
			return nil
		}),
	}
	if op != control.HistoryReset {
		cmd.Flags().IntVarP(&count, "count", "n", 0, "messages to remove (default: 10% of the history)")
	}
	return cmd
}

// migrate rewrites history files directly, so it refuses to run next to a
// server; serve migrates on every start anyway.
func newMemoryMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Fold legacy per-user histories into per-channel histories",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if _, running := a.serverRunning(cmd.Context()); running {
				return fmt.Errorf("%w: it migrates histories on start", control.ErrServerRunning)
			}
			b, err := do.Invoke[*memory.Buffer](a.injector)
			if err != nil {
				return err
			}
			report, err := b.Migrate()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "legacy files: %d, merged: %d, failed: %d\n", report.LegacyFiles, report.Merged, report.Failed)
			return err
		}),
	}
}
