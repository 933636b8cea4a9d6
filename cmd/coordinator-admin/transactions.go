package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/spf13/cobra"
)

func transactionCommands(app *admin) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transactions",
		Aliases: []string{"txn"},
		Short:   "Inspect two-phase commit transactions",
	}

	cmd.AddCommand(listTransactionsCommand(app))
	cmd.AddCommand(showTransactionCommand(app))

	return cmd
}

func listTransactionsCommand(app *admin) *cobra.Command {
	var (
		statuses []string
		archived bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.TransactionFilter{IncludeArchived: archived, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, domain.TransactionStatus(s))
			}

			txns, err := app.deps.Coordinator.ListTransactions(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tDECISION\tPARTICIPANTS\tUPDATED")
			for _, t := range txns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Decision, len(t.Participants), formatTime(t.Timestamps.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only transactions in these statuses")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived transactions")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of transactions")
	return cmd
}

func showTransactionCommand(app *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show a transaction with its participant votes and acks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := models.NewID(args[0])
			if err != nil {
				return err
			}

			txn, err := app.deps.Coordinator.GetTransaction(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "transaction %s\n", txn.ID)
			fmt.Fprintf(out, "status: %s  decision: %s  vote deadline: %s  archived: %t\n\n",
				txn.Status, txn.Decision, formatTime(txn.VoteDeadline), txn.Archived)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PARTICIPANT\tVOTE\tACKED\tERROR")
			for _, p := range txn.Participants {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.ServiceRef, p.Vote, p.AckedDecision, p.LastError)
			}
			return w.Flush()
		},
	}
}
