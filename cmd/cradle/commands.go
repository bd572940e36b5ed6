package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/outbox"
	"github.com/spf13/cobra"
)

func newRecordCommand() *cobra.Command {
	var flush bool
	cmd := &cobra.Command{
		Use:   "record <entity-type> <entity-id> <create|update|delete> [payload-json]",
		Short: "Apply a local change and queue it for sync",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			payload := json.RawMessage(`{}`)
			if len(args) == 4 {
				if !json.Valid([]byte(args[3])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[3])
			}
			mutation, err := d.recorder.Record(ctx, entities.Type(args[0]), args[1], entities.Op(strings.ToLower(args[2])), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", mutation.MutationID)

			if flush && d.client != nil {
				report, err := d.flusher.Flush(ctx)
				if err != nil {
					return err
				}
				printReport(cmd, report)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flush, "flush", true, "Push immediately when a server is configured")
	return cmd
}

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Push pending mutations to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, true)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			report, err := d.flusher.Flush(ctx)
			printReport(cmd, report)
			return err
		},
	}
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch and apply server events after the local cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, true)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			puller, err := d.puller()
			if err != nil {
				return err
			}
			report, err := puller.Pull(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d events, cursor %d\n", report.Applied, report.Cursor)
			return err
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts and sync cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			counts, err := d.store.Counts(ctx)
			if err != nil {
				return err
			}
			serverSequence, err := d.store.GetState(ctx, outbox.StateServerSequence, "unknown")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusFailed, outbox.StatusConflict, outbox.StatusSynced} {
				fmt.Fprintf(out, "%-9s %d\n", status, counts[status])
			}
			fmt.Fprintf(out, "cursor    %d\n", d.state.Cursor())
			fmt.Fprintf(out, "server    %s\n", serverSequence)
			return nil
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Move failed mutations back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			moved, err := d.store.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", moved)
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete synced outbox entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			pruned, err := d.store.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d\n", pruned)
			return nil
		},
	}
}

func newConflictsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List mutations the server rejected as stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			conflicts, err := d.store.Conflicts(ctx)
			if err != nil {
				return err
			}
			for _, entry := range conflicts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s server=%s\n",
					entry.MutationID, entry.EntityType, entry.EntityID, entry.Op, entry.ServerData())
			}
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <mutation-id>",
		Short: "Drop a conflict after re-recording the intended change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			return d.store.Resolve(ctx, args[0])
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-type>",
		Short: "Print cached rows of one entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := openDevice(ctx, false)
			if err != nil {
				return err
			}
			defer d.close() //nolint:errcheck

			for _, item := range d.state.List(entities.Type(args[0])) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", item.ID, item.Data)
			}
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, report outbox.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d: synced %d, conflicts %d, failed %d, pruned %d\n",
		report.Sent, report.Synced, report.Conflicts, report.Failed, report.Pruned)
}
