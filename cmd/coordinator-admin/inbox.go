package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func inboxCommands(app *admin) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect consumed commands",
	}

	var limit int
	deadLettered := &cobra.Command{
		Use:   "dead-lettered",
		Short: "List commands that were parked as poison messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := app.deps.Inbox.ListDeadLettered(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tTOPIC\tATTEMPTS\tRECEIVED\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.MessageID, m.Topic, m.Attempts, formatTime(m.ReceivedAt), m.LastError)
			}
			return w.Flush()
		},
	}
	deadLettered.Flags().IntVar(&limit, "limit", 100, "maximum number of messages")

	cmd.AddCommand(deadLettered)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
