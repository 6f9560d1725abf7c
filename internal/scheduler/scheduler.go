package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/frahmantamala/marketplace-payment/internal"
)

const (
	DefaultAutoReleaseSchedule = "@every 1m"
	DefaultEffectRetrySchedule = "@every 30s"
	DefaultPollSweepSchedule   = "@every 1m"
)

// Sweep is a periodic batch job. It returns how many items it handled.
type Sweep func(ctx context.Context) (int, error)

// Scheduler runs sweeps on cron schedules. A sweep that is still running
// when its next tick fires skips that tick.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Scheduler) Add(name, spec string, sweep Sweep) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		started := time.Now()
		n, err := sweep(ctx)
		if err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("scheduled job finished", "job", name, "handled", n, "took", time.Since(started))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info("job scheduled", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running sweeps and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Sweeps struct {
	AutoRelease Sweep
	EffectRetry Sweep
	PollSweep   Sweep
}

// Register adds the payment sweeps with the schedules from config. A nil
// sweep is left out.
func (s *Scheduler) Register(cfg internal.WorkerConfig, sweeps Sweeps) error {
	jobs := []struct {
		name  string
		spec  string
		def   string
		sweep Sweep
	}{
		{"auto_release", cfg.AutoReleaseSchedule, DefaultAutoReleaseSchedule, sweeps.AutoRelease},
		{"effect_retry", cfg.EffectRetrySchedule, DefaultEffectRetrySchedule, sweeps.EffectRetry},
		{"poll_sweep", cfg.PollSweepSchedule, DefaultPollSweepSchedule, sweeps.PollSweep},
	}
	for _, j := range jobs {
		if j.sweep == nil {
			continue
		}
		spec := j.spec
		if spec == "" {
			spec = j.def
		}
		if err := s.Add(j.name, spec, j.sweep); err != nil {
			return err
		}
	}
	return nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
