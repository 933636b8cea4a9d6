package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/spf13/cobra"
)

func outboxCommands(app *admin) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the event outbox",
	}

	cmd.AddCommand(failedOutboxCommand(app))
	cmd.AddCommand(requeueOutboxCommand(app))
	cmd.AddCommand(purgeOutboxCommand(app))

	return cmd
}

func failedOutboxCommand(app *admin) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List messages that exhausted their relay retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := app.deps.Outbox.List(cmd.Context(), domain.OutboxFilter{
				Status: domain.OutboxStatusFailed,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGGREGATE\tSEQ\tTOPIC\tRETRIES\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", m.ID, m.AggregateID, m.Sequence, m.Topic, m.RetryCount, m.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of messages")
	return cmd
}

func requeueOutboxCommand(app *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <message-id>...",
		Short: "Return failed messages to pending with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				id, err := models.NewID(arg)
				if err != nil {
					return err
				}
				if err := app.deps.Outbox.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}
}

func purgeOutboxCommand(app *admin) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete published messages older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.deps.Outbox.PurgePublished(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d published messages\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of purged messages")
	return cmd
}
