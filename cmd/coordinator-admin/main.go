package main

import (
	"fmt"
	"os"

	"github.com/draftea/coordination-engine/coordinator-service/config"
	"github.com/draftea/coordination-engine/shared/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// admin holds the dependencies shared by every subcommand. They are built
// lazily in the root pre-run hook so that --help works without a store.
type admin struct {
	deps *config.Dependencies
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *admin) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		deps, err := config.BuildAdminDependencies(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("error opening state store: %w", err)
		}
		app.deps = deps
		if deps.Telemetry != nil {
			cmd.SetContext(telemetry.WithTelemetry(cmd.Context(), deps.Telemetry))
		}
		return nil
	}
}

func postRun(app *admin) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if app.deps == nil {
			return nil
		}
		return app.deps.Close()
	}
}

// NewCLI builds the operator command tree
func NewCLI() *cobra.Command {
	app := &admin{}

	rootCmd := &cobra.Command{
		Use:                "coordinator-admin",
		Short:              "Inspect and repair coordinator state",
		SilenceUsage:       true,
		PersistentPreRunE:  preRun(app),
		PersistentPostRunE: postRun(app),
	}

	rootCmd.AddCommand(sagaCommands(app))
	rootCmd.AddCommand(transactionCommands(app))
	rootCmd.AddCommand(outboxCommands(app))
	rootCmd.AddCommand(inboxCommands(app))

	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
