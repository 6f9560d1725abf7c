package sideeffect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/frahmantamala/marketplace-payment/internal"
)

const (
	TaskTypeExecuteEffect = "side_effect:execute"
	TaskTypeAutoRelease   = "transaction:auto_release"

	QueueName = "effects"
)

type Executor interface {
	Execute(ctx context.Context, effectID string) error
}

type Releaser interface {
	Release(ctx context.Context, transactionID string) (bool, error)
}

type EffectTaskPayload struct {
	EffectID string `json:"effect_id"`
}

type AutoReleaseTaskPayload struct {
	TransactionID string `json:"transaction_id"`
}

// timerSet runs functions in-process, now or after a delay. Stopping it
// drops timers that have not fired and waits for running functions.
type timerSet struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[*time.Timer]struct{})}
}

func (s *timerSet) run(delay time.Duration, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("queue stopped")
	}

	s.wg.Add(1)
	if delay <= 0 {
		go func() {
			defer s.wg.Done()
			fn(context.Background())
		}()
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		fn(context.Background())
	})
	s.timers[timer] = struct{}{}
	return nil
}

func (s *timerSet) stop() {
	s.mu.Lock()
	s.closed = true
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// InlineQueue executes effects on goroutines of the current process. Pending
// timers are lost on restart; RetryDue recovers those rows.
type InlineQueue struct {
	exec   Executor
	timers *timerSet
	logger *slog.Logger
}

func NewInlineQueue(logger *slog.Logger) *InlineQueue {
	return &InlineQueue{timers: newTimerSet(), logger: logger}
}

// Bind sets the executor. The dispatcher both feeds and drains the queue, so
// it is bound after construction.
func (q *InlineQueue) Bind(exec Executor) *InlineQueue {
	q.exec = exec
	return q
}

func (q *InlineQueue) Enqueue(_ context.Context, effectID string, runAt time.Time) error {
	if q.exec == nil {
		return fmt.Errorf("inline queue has no executor")
	}
	return q.timers.run(time.Until(runAt), func(ctx context.Context) {
		if err := q.exec.Execute(ctx, effectID); err != nil {
			q.logger.Error("side effect execution failed", "effect_id", effectID, "error", err)
		}
	})
}

// Shutdown drops pending timers and waits for running effects. Dropped rows
// stay pending and are picked up by RetryDue.
func (q *InlineQueue) Shutdown() {
	q.timers.stop()
}

// AsynqQueue hands effects to Redis-backed asynq workers. Retries are owned
// by the dispatcher, so tasks are not retried by asynq except for
// bookkeeping failures.
type AsynqQueue struct {
	client *asynq.Client
	logger *slog.Logger
}

func NewAsynqQueue(client *asynq.Client, logger *slog.Logger) *AsynqQueue {
	return &AsynqQueue{client: client, logger: logger}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, effectID string, runAt time.Time) error {
	payload, err := json.Marshal(EffectTaskPayload{EffectID: effectID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeExecuteEffect, payload)
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(fmt.Sprintf("effect:%s:%d", effectID, runAt.Unix())),
		asynq.ProcessAt(runAt),
		asynq.Queue(QueueName),
		asynq.MaxRetry(3),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue side effect %s: %w", effectID, err)
	}

	q.logger.Debug("side effect enqueued", "effect_id", effectID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// InlineAutoRelease arms in-process timers that call the releaser at the
// deadline. The cron sweep covers deadlines lost to a restart.
type InlineAutoRelease struct {
	releaser Releaser
	timers   *timerSet
	logger   *slog.Logger
}

func NewInlineAutoRelease(releaser Releaser, logger *slog.Logger) *InlineAutoRelease {
	return &InlineAutoRelease{releaser: releaser, timers: newTimerSet(), logger: logger}
}

func (a *InlineAutoRelease) Arm(_ context.Context, transactionID string, at time.Time) error {
	return a.timers.run(time.Until(at), func(ctx context.Context) {
		if _, err := a.releaser.Release(ctx, transactionID); err != nil {
			a.logger.Error("auto-release failed", "transaction_id", transactionID, "error", err)
		}
	})
}

func (a *InlineAutoRelease) Shutdown() {
	a.timers.stop()
}

type AsynqAutoRelease struct {
	client *asynq.Client
	logger *slog.Logger
}

func NewAsynqAutoRelease(client *asynq.Client, logger *slog.Logger) *AsynqAutoRelease {
	return &AsynqAutoRelease{client: client, logger: logger}
}

func (a *AsynqAutoRelease) Arm(ctx context.Context, transactionID string, at time.Time) error {
	payload, err := json.Marshal(AutoReleaseTaskPayload{TransactionID: transactionID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeAutoRelease, payload)
	_, err = a.client.EnqueueContext(ctx, task,
		asynq.TaskID(fmt.Sprintf("auto-release:%s:%d", transactionID, at.Unix())),
		asynq.ProcessAt(at),
		asynq.Queue(QueueName),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("arm auto-release for %s: %w", transactionID, err)
	}

	a.logger.Info("auto-release armed", "transaction_id", transactionID, "release_at", at)
	return nil
}

// NewServeMux routes asynq tasks to the dispatcher and the auto-releaser.
func NewServeMux(exec Executor, releaser Releaser, logger *slog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskTypeExecuteEffect, func(ctx context.Context, t *asynq.Task) error {
		var p EffectTaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
		return exec.Execute(ctx, p.EffectID)
	})

	mux.HandleFunc(TaskTypeAutoRelease, func(ctx context.Context, t *asynq.Task) error {
		var p AutoReleaseTaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
		released, err := releaser.Release(ctx, p.TransactionID)
		if err != nil {
			return err
		}
		logger.Info("auto-release task processed", "transaction_id", p.TransactionID, "released", released)
		return nil
	})

	return mux
}

func RedisOpt(cfg internal.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}
