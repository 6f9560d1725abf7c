package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Transition event commands",
	Long:  `Inspect and recover transition events published on the event bus`,
}

var replayEventCmd = &cobra.Command{
	Use:   "replay [transaction-id]",
	Short: "Publish the latest transition of a transaction again",
	Long: `Publish the transition event for the latest committed status of a transaction.
Use after a crash between the commit and the side-effect outbox write. Outbox rows are deduplicated per transition, so replaying twice is harmless.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		replayTransition(args[0])
	},
}

func replayTransition(transactionID string) {
	ctx := context.Background()
	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	t, err := deps.Transactions.Republish(ctx, transactionID)
	if err != nil {
		lg.Error("failed to replay transition", "transaction_id", transactionID, "error", err)
		deps.Close()
		os.Exit(1)
	}

	// Close waits for the bus so the outbox rows are written before exit.
	deps.Close()
	last := t.LastEntry()
	lg.Info("transition replayed",
		"transaction_id", t.ID,
		"human_id", t.HumanID,
		"status", t.Status,
		"seq", last.Seq)
}

func init() {
	eventCmd.AddCommand(replayEventCmd)
}
