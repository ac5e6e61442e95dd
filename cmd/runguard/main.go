package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/runguard/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "runguard",
		Short: "Run trigger and reconciliation controller for campaign pipelines",
		Long: `runguard starts campaign pipeline runs on an external orchestrator with
at most one run in flight per campaign, enforces a cooldown between runs,
and reconciles run status until every run reaches a terminal state.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewServeCmd(),
		commands.NewTriggerCmd(),
		commands.NewStatusCmd(),
		commands.NewWatchCmd(),
		commands.NewReconcileCmd(),
		commands.NewMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
