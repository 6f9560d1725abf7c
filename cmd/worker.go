package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/marketplace-payment/internal/scheduler"
	"github.com/frahmantamala/marketplace-payment/internal/sideeffect"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start the side-effect queue consumer or the periodic sweeps that recover auto-release, retries and polling.`,
}

var effectsWorkerCmd = &cobra.Command{
	Use:   "effects",
	Short: "Consume side-effect and auto-release tasks from redis",
	Long:  `Run the asynq server that executes outbox side effects and deferred auto-release tasks. Requires effects.queue=asynq.`,
	Run: func(cmd *cobra.Command, args []string) {
		startEffectsWorker()
	},
}

var sweepWorkerCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the periodic sweeps",
	Long:  `Run the cron sweeps for due auto-releases, due side-effect retries and transactions stuck waiting on a gateway.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweepWorker()
	},
}

var workerConcurrency int

func startEffectsWorker() {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger
	cfg := deps.Config

	if cfg.Effects.Queue != "asynq" {
		lg.Error("effects worker needs effects.queue=asynq", "queue", cfg.Effects.Queue)
		deps.Close()
		os.Exit(1)
	}

	concurrency := cfg.Worker.Concurrency
	if workerConcurrency > 0 {
		concurrency = workerConcurrency
	}

	srv := asynq.NewServer(
		sideeffect.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency:     concurrency,
			Queues:          map[string]int{sideeffect.QueueName: 1},
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				lg.ErrorContext(ctx, "task failed", "task_type", task.Type(), "error", err)
			}),
		},
	)

	mux := sideeffect.NewServeMux(deps.Dispatcher, deps.AutoReleaser, lg)
	if err := srv.Start(mux); err != nil {
		lg.Error("could not start effects worker", "error", err)
		deps.Close()
		os.Exit(1)
	}
	lg.Info("effects worker is running", "concurrency", concurrency, "queue", sideeffect.QueueName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	lg.Info("received signal, shutting down effects worker", "signal", sig)

	srv.Shutdown()
	deps.Close()
	lg.Info("effects worker shutdown complete")
}

func startSweepWorker() {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	sched, err := newSweepScheduler(deps)
	if err != nil {
		lg.Error("failed to register sweeps", "error", err)
		deps.Close()
		os.Exit(1)
	}

	deps.Poller.Start()
	sched.Start()
	lg.Info("sweep worker is running",
		"auto_release", deps.Config.Worker.AutoReleaseSchedule,
		"effect_retry", deps.Config.Worker.EffectRetrySchedule,
		"poll_sweep", deps.Config.Worker.PollSweepSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	lg.Info("received signal, shutting down sweep worker", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), deps.Config.Worker.ShutdownTimeout)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		lg.Warn("shutdown timeout reached, forcing exit", "error", err)
	}
	deps.Close()
	lg.Info("sweep worker shutdown complete")
}

func newSweepScheduler(deps *Dependencies) (*scheduler.Scheduler, error) {
	sched := scheduler.New(0, deps.Logger)
	err := sched.Register(deps.Config.Worker, scheduler.Sweeps{
		AutoRelease: deps.AutoReleaser.Sweep,
		EffectRetry: deps.Dispatcher.RetryDue,
		PollSweep:   deps.Poller.Sweep,
	})
	return sched, err
}

func init() {
	effectsWorkerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Number of concurrent task handlers (overrides config)")

	workerCmd.AddCommand(effectsWorkerCmd)
	workerCmd.AddCommand(sweepWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
