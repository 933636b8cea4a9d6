package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/spf13/cobra"
)

func sagaCommands(app *admin) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "List, inspect and cancel sagas",
	}

	cmd.AddCommand(listSagasCommand(app))
	cmd.AddCommand(showSagaCommand(app))
	cmd.AddCommand(cancelSagaCommand(app))

	return cmd
}

func listSagasCommand(app *admin) *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.SagaFilter{Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, domain.SagaStatus(s))
			}

			sagas, err := app.deps.Orchestrator.ListSagas(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEFINITION\tSTATUS\tSTEP\tUPDATED")
			for _, s := range sagas {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.DefinitionRef(), s.Status, s.CurrentStepIndex, formatTime(s.Timestamps.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only sagas in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sagas")
	return cmd
}

func showSagaCommand(app *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show a saga with its steps, compensations and attempt log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := models.NewID(args[0])
			if err != nil {
				return err
			}

			view, err := app.deps.Orchestrator.GetSaga(cmd.Context(), id)
			if err != nil {
				return err
			}
			attempts, err := app.deps.Orchestrator.StepAttempts(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			s := view.Instance
			fmt.Fprintf(out, "saga %s (%s)\n", s.ID, s.DefinitionRef())
			fmt.Fprintf(out, "status: %s  step: %d  cancel requested: %t\n", s.Status, s.CurrentStepIndex, s.CancelRequested)
			if s.FailureReason != "" {
				fmt.Fprintf(out, "failure: %s\n", s.FailureReason)
			}
			fmt.Fprintf(out, "context: %s\n\n", s.Context)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tNAME\tSTATUS\tATTEMPTS\tERROR")
			for _, e := range view.Steps {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", e.StepIndex, e.StepName, e.Status, e.AttemptCount, e.LastError)
			}
			if len(view.Compensations) > 0 {
				fmt.Fprintln(w, "\nCOMPENSATION\tNAME\tSTATUS\tATTEMPTS\tERROR")
				for _, c := range view.Compensations {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.StepIndex, c.StepName, c.Status, c.AttemptCount, c.LastError)
				}
			}
			if len(attempts) > 0 {
				fmt.Fprintln(w, "\nATTEMPT\tSTEP\tKIND\tOK\tERROR")
				for _, a := range attempts {
					fmt.Fprintf(w, "%d\t%d\t%s\t%t\t%s\n", a.Attempt, a.StepIndex, a.Kind, a.Succeeded, a.Error)
				}
			}
			return w.Flush()
		},
	}
}

func cancelSagaCommand(app *admin) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <saga-id>",
		Short: "Request cancellation; a running coordinator compensates the saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := models.NewID(args[0])
			if err != nil {
				return err
			}
			if err := app.deps.Orchestrator.CancelSaga(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for saga %s\n", id)
			return nil
		},
	}
}
