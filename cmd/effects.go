package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var effectsCmd = &cobra.Command{
	Use:   "effects",
	Short: "Side-effect outbox commands",
	Long:  `Inspect and retry side effects (notifications, wallet credits, arbitration, rating eligibility)`,
}

var retryEffectsCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry side effects that are due",
	Long: `Pick up pending side effects whose next attempt is due.
With the inline queue they run in this process. With asynq they are handed back to the effects worker.`,
	Run: func(cmd *cobra.Command, args []string) {
		retryDueEffects()
	},
}

var showEffectsCmd = &cobra.Command{
	Use:   "show [transaction-id]",
	Short: "List the side effects and rating eligibility of a transaction",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showEffects(args[0])
	},
}

func retryDueEffects() {
	ctx := context.Background()
	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	var n int
	if deps.Asynq != nil {
		n, err = deps.Dispatcher.RetryDue(ctx)
	} else {
		n, err = deps.Dispatcher.RunDue(ctx)
	}
	deps.Close()
	if err != nil {
		lg.Error("effect retry failed", "error", err)
		os.Exit(1)
	}
	lg.Info("due side effects picked up", "count", n, "queue", deps.Config.Effects.Queue)
}

func showEffects(transactionID string) {
	ctx := context.Background()
	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	t, err := deps.Transactions.Get(ctx, transactionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load transaction: %v\n", err)
		return
	}
	effects, err := deps.Dispatcher.Effects(ctx, transactionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list side effects: %v\n", err)
		return
	}
	ratings, err := deps.Ratings.ListByTransaction(ctx, transactionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list rating eligibility: %v\n", err)
		return
	}

	fmt.Printf("%s (%s) status=%s mode=%s\n\n", t.ID, t.HumanID, t.Status, t.PaymentMode)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tRECIPIENT\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, e := range effects {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.TransitionSeq, e.Kind, e.Recipient, e.Status, e.Attempts,
			e.NextAttemptAt.Format(time.RFC3339), e.LastError)
	}
	w.Flush()

	if len(ratings) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RATER\tROLE\tRATES\tOPENED")
	for _, r := range ratings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.UserID, r.Role, r.CounterpartID, r.OpenedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func init() {
	effectsCmd.AddCommand(retryEffectsCmd)
	effectsCmd.AddCommand(showEffectsCmd)
}
