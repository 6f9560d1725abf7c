package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	effectmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/sideeffect"
	"github.com/frahmantamala/marketplace-payment/internal/core/events"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

const dispatcherComponent = "side-effects"

// RepositoryAPI is the outbox. InsertBatch skips rows that collide on the
// dedup key and returns the ids it actually wrote. Claim bumps attempts and
// leases the row until leaseUntil; it reports false when another worker holds
// it or the row is not due.
type RepositoryAPI interface {
	InsertBatch(ctx context.Context, rows []*effectmodel.SideEffect) ([]string, error)
	GetByID(ctx context.Context, id string) (*effectmodel.SideEffect, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*effectmodel.SideEffect, error)
	Claim(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error)
	MarkDone(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id, lastError string, next time.Time) error
	MarkDead(ctx context.Context, id, lastError string, at time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type RatingRepositoryAPI interface {
	Open(ctx context.Context, row *effectmodel.RatingEligibility) error
}

type TransactionStore interface {
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	Transition(ctx context.Context, id string, current, target transaction.Status, actor transaction.Actor, meta transaction.Metadata) (*transaction.Transaction, error)
}

// Queue hands an effect id to whatever executes it, no earlier than runAt.
type Queue interface {
	Enqueue(ctx context.Context, effectID string, runAt time.Time) error
}

// AutoReleaseArmer schedules a one-off release attempt for an escrow
// transaction.
type AutoReleaseArmer interface {
	Arm(ctx context.Context, transactionID string, at time.Time) error
}

type Collaborators struct {
	Notifier    Notifier
	Wallet      Wallet
	Arbitration Arbitration
	Ratings     RatingRepositoryAPI
	AutoRelease AutoReleaseArmer
}

type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Lease       time.Duration
	BatchSize   int
}

func OptionsFromConfig(cfg internal.EffectsConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		BatchSize:   cfg.BatchSize,
	}
}

type Dispatcher struct {
	repo         RepositoryAPI
	transactions TransactionStore
	collab       Collaborators
	queue        Queue
	opts         Options
	now          func() time.Time
	logger       *slog.Logger
}

func NewDispatcher(repo RepositoryAPI, transactions TransactionStore, collab Collaborators, queue Queue, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Dispatcher{
		repo:         repo,
		transactions: transactions,
		collab:       collab,
		queue:        queue,
		opts:         opts,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock swaps the clock used for scheduling.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Subscribe registers the dispatcher for committed transitions.
func (d *Dispatcher) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventTypeTransactionTransitioned, d.HandleEvent)
}

// HandleEvent writes the effects owed for one transition to the outbox and
// enqueues the rows that were new. Redelivered events insert nothing.
func (d *Dispatcher) HandleEvent(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.TransactionTransitionedEvent)
	if !ok {
		d.logger.Warn("unexpected event payload", "event_type", event.EventType(), "event_id", event.EventID())
		return nil
	}

	t, err := d.transactions.Get(ctx, e.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction %s: %w", e.TransactionID, err)
	}

	planned := Plan(t, transaction.Status(e.From), transaction.Status(e.To))
	if len(planned) == 0 {
		return nil
	}

	now := d.now().UTC()
	rows := make([]*effectmodel.SideEffect, 0, len(planned))
	for _, p := range planned {
		p.ID = uuid.New().String()
		p.TransactionID = e.TransactionID
		p.TransitionSeq = e.Seq
		p.Status = StatusPending
		p.NextAttemptAt = now
		p.CreatedAt = now
		row, err := ToDataModel(&p)
		if err != nil {
			return fmt.Errorf("encode %s effect: %w", p.Kind, err)
		}
		rows = append(rows, row)
	}

	inserted, err := d.repo.InsertBatch(ctx, rows)
	if err != nil {
		d.logger.Error("failed to write side effects", "transaction_id", e.TransactionID, "seq", e.Seq, "error", err)
		return err
	}

	d.logger.Info("side effects planned",
		"transaction_id", e.TransactionID,
		"status", e.To,
		"seq", e.Seq,
		"planned", len(rows),
		"new", len(inserted))

	for _, id := range inserted {
		if err := d.queue.Enqueue(ctx, id, now); err != nil {
			// RetryDue picks the row up
			d.logger.Error("failed to enqueue side effect", "effect_id", id, "error", err)
		}
	}
	return nil
}

// Execute runs one outbox row. Effect failures are recorded on the row and
// rescheduled; the returned error only reports bookkeeping problems.
func (d *Dispatcher) Execute(ctx context.Context, effectID string) error {
	row, err := d.repo.GetByID(ctx, effectID)
	if err != nil {
		return err
	}
	if row == nil {
		d.logger.Warn("side effect not found", "effect_id", effectID)
		return nil
	}
	if Status(row.Status) != StatusPending {
		return nil
	}

	now := d.now().UTC()
	claimed, err := d.repo.Claim(ctx, effectID, row.Attempts, now, now.Add(d.opts.Lease))
	if err != nil {
		return err
	}
	if !claimed {
		d.logger.Debug("side effect not claimable", "effect_id", effectID)
		return nil
	}

	effect, err := FromDataModel(row)
	if err != nil {
		return d.repo.MarkDead(ctx, effectID, fmt.Sprintf("unreadable payload: %v", err), now)
	}

	log := d.logger.With("effect_id", effect.ID, "transaction_id", effect.TransactionID, "kind", effect.Kind, "recipient", effect.Recipient)

	runErr := d.run(ctx, effect)
	attempts := row.Attempts + 1
	finished := d.now().UTC()

	if runErr == nil {
		log.Info("side effect completed", "attempts", attempts)
		return d.repo.MarkDone(ctx, effectID, finished)
	}

	if attempts >= d.opts.MaxAttempts {
		log.Error("side effect gave up", "attempts", attempts, "error", runErr)
		return d.repo.MarkDead(ctx, effectID, runErr.Error(), finished)
	}

	next := finished.Add(d.backoff(attempts))
	log.Warn("side effect failed, rescheduled", "attempts", attempts, "next_attempt_at", next, "error", runErr)
	if err := d.repo.MarkRetry(ctx, effectID, runErr.Error(), next); err != nil {
		return err
	}
	if err := d.queue.Enqueue(ctx, effectID, next); err != nil {
		log.Error("failed to enqueue retry", "error", err)
	}
	return nil
}

// backoff is base * 2^(attempts-1): the first retry waits base.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// RetryDue enqueues pending rows whose next attempt is due, including rows
// whose lease ran out because a worker died mid-run.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	now := d.now().UTC()
	ids, err := d.repo.ListDue(ctx, now, d.opts.BatchSize)
	if err != nil {
		d.logger.Error("failed to list due side effects", "error", err)
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		if err := d.queue.Enqueue(ctx, id, now); err != nil {
			d.logger.Error("failed to enqueue due side effect", "effect_id", id, "error", err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		d.logger.Info("due side effects enqueued", "count", enqueued)
	}
	return enqueued, nil
}

// RunDue executes due rows on the calling goroutine. Retries they schedule
// still go through the queue.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	ids, err := d.repo.ListDue(ctx, d.now().UTC(), d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := d.Execute(ctx, id); err != nil {
			d.logger.Error("side effect execution failed", "effect_id", id, "error", err)
		}
	}
	return len(ids), nil
}

// Effects lists a transaction's outbox rows in insertion order.
func (d *Dispatcher) Effects(ctx context.Context, transactionID string) ([]*Effect, error) {
	rows, err := d.repo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Effect, 0, len(rows))
	for _, row := range rows {
		e, err := FromDataModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, e *Effect) error {
	switch e.Kind {
	case KindNotify:
		return d.collab.Notifier.Notify(ctx, e.Recipient, e.Payload.Template, e.Payload.Data)
	case KindWalletCredit:
		return d.credit(ctx, e)
	case KindRatingOpen:
		return d.collab.Ratings.Open(ctx, &effectmodel.RatingEligibility{
			TransactionID: e.TransactionID,
			UserID:        e.Recipient,
			Role:          e.Payload.Role,
			CounterpartID: e.Payload.CounterpartID,
			OpenedAt:      d.now().UTC(),
		})
	case KindArbitrationFlag:
		return d.collab.Arbitration.Flag(ctx, e.TransactionID, e.Payload.Reason)
	case KindAutoReleaseArm:
		if e.Payload.RunAt == nil {
			return fmt.Errorf("auto-release effect without a deadline")
		}
		return d.collab.AutoRelease.Arm(ctx, e.TransactionID, *e.Payload.RunAt)
	}
	return fmt.Errorf("unknown side effect kind %q", e.Kind)
}

// credit pays the seller. With Finalize set it also moves the transaction
// from delivered to completed once the wallet has accepted the credit.
func (d *Dispatcher) credit(ctx context.Context, e *Effect) error {
	log := d.logger.With("transaction_id", e.TransactionID, "seller_id", e.Recipient)

	if e.Payload.Finalize {
		t, err := d.transactions.Get(ctx, e.TransactionID)
		if err != nil {
			return err
		}
		switch t.Status {
		case transaction.StatusCompleted:
			return nil
		case transaction.StatusDelivered:
		default:
			log.Warn("skipping wallet credit, transaction left delivered", "status", t.Status)
			return nil
		}
	}

	amount, err := decimal.NewFromString(e.Payload.Amount)
	if err != nil {
		return fmt.Errorf("invalid credit amount %q: %w", e.Payload.Amount, err)
	}

	result, err := d.collab.Wallet.CreditSeller(ctx, e.TransactionID, e.Recipient, amount, e.Payload.Currency)
	if err != nil {
		log.Error("wallet credit failed", "error", err)
		if errors.Is(err, internal.ErrWalletCreditFailed) {
			return err
		}
		return internal.ErrWalletCreditFailed.WithCause(err)
	}
	if !result.Credited && !result.AlreadyCompleted {
		log.Error("wallet did not confirm the credit")
		return internal.ErrWalletCreditFailed.WithMessage("wallet did not confirm the credit for %s", e.TransactionID)
	}
	log.Info("seller wallet credited", "amount", e.Payload.Amount, "already_completed", result.AlreadyCompleted)

	if !e.Payload.Finalize {
		return nil
	}
	return d.finalize(ctx, e.TransactionID)
}

func (d *Dispatcher) finalize(ctx context.Context, id string) error {
	_, err := d.transactions.Transition(ctx, id, transaction.StatusDelivered, transaction.StatusCompleted,
		transaction.SystemActor(dispatcherComponent), transaction.Metadata{WalletCredited: true})
	if err == nil {
		return nil
	}
	if errors.Is(err, internal.ErrStaleState) {
		t, getErr := d.transactions.Get(ctx, id)
		if getErr == nil && t.Status == transaction.StatusCompleted {
			return nil
		}
	}
	return err
}
