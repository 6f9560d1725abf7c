package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

const defaultMaxRetries = 3

type TransactionStore interface {
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	FindByGatewayReference(ctx context.Context, gateway, gatewayTransactionID string) (*transaction.Transaction, error)
	StuckIn(ctx context.Context, status transaction.Status, olderThan time.Duration, limit int) ([]string, error)
	Transition(ctx context.Context, id string, current, target transaction.Status, actor transaction.Actor, meta transaction.Metadata) (*transaction.Transaction, error)
}

// NativeStatus is gateway truth as reported by a webhook, a poll or a
// session confirmation.
type NativeStatus struct {
	Gateway              string
	GatewayTransactionID string
	Status               string
}

// Reconciler funnels every report of gateway truth into state machine
// transitions. It never moves a transaction backwards.
type Reconciler struct {
	store      TransactionStore
	maxRetries int
	logger     *slog.Logger
}

func NewReconciler(store TransactionStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, maxRetries: defaultMaxRetries, logger: logger}
}

// Reconcile applies a native status to a transaction whose gateway
// reference is already stored.
func (r *Reconciler) Reconcile(ctx context.Context, transactionID, gatewayID, nativeStatus string) (*transaction.Transaction, error) {
	return r.Apply(ctx, transactionID, NativeStatus{Gateway: gatewayID, Status: nativeStatus})
}

// Apply maps ns to a target status and walks the transaction there one edge
// at a time. A target that is not ahead of the current status is a silent
// no-op; a lost concurrent write is re-read and retried.
func (r *Reconciler) Apply(ctx context.Context, transactionID string, ns NativeStatus) (*transaction.Transaction, error) {
	log := logger.From(ctx).With("transaction_id", transactionID, "gateway", ns.Gateway, "gateway_status", ns.Status)

	outcome := Classify(ns.Gateway, ns.Status)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		t, err := r.store.Get(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		if t.Gateway != ns.Gateway {
			return nil, internal.ErrPreconditionFailed.WithMessage("transaction %s is paid through %s, not %s", t.ID, t.Gateway, ns.Gateway)
		}

		target, ok := TargetFor(outcome, t.PaymentMode)
		if !ok {
			log.Info("gateway status ignored", "outcome", outcome)
			return t, nil
		}
		if !transaction.IsAhead(target, t.Status) {
			if t.Status != target {
				log.Warn("gateway status does not advance transaction", "status", t.Status, "target", target)
			}
			return t, nil
		}

		actor := transaction.GatewayActor(ns.Gateway)
		if target == transaction.StatusCancelled {
			// the gateway voided the session; abandonment is a system edge
			actor = transaction.SystemActor("reconciler")
		}

		path := transaction.PathTo(t.Status, target, actor.Role)
		if path == nil {
			log.Warn("no transition path for gateway status", "status", t.Status, "target", target)
			return t, nil
		}

		t, err = r.walk(ctx, t, path, actor, ns)
		if err == nil {
			log.Info("transaction reconciled", "status", t.Status)
			return t, nil
		}
		if !errors.Is(err, internal.ErrStaleState) {
			return nil, err
		}
		log.Info("reconcile lost a concurrent write, re-reading", "attempt", attempt+1)
	}

	return nil, internal.ErrStaleState.WithMessage("transaction %s kept changing during reconciliation", transactionID)
}

func (r *Reconciler) walk(ctx context.Context, t *transaction.Transaction, path []transaction.Status, actor transaction.Actor, ns NativeStatus) (*transaction.Transaction, error) {
	current := t.Status
	for _, next := range path {
		meta := transaction.Metadata{GatewayStatus: ns.Status}
		if next == transaction.StatusPaymentProcessing && t.GatewayTransactionID == "" {
			meta.GatewayTransactionID = ns.GatewayTransactionID
		}

		updated, err := r.store.Transition(ctx, t.ID, current, next, actor, meta)
		if err != nil {
			return nil, err
		}
		t = updated
		current = next
	}
	return t, nil
}

// Resolve finds the transaction a gateway event refers to: by our own id
// when the gateway echoed it back, else by the gateway's reference.
func (r *Reconciler) Resolve(ctx context.Context, gatewayID, transactionID, gatewayTransactionID string) (*transaction.Transaction, error) {
	if transactionID != "" {
		t, err := r.store.Get(ctx, transactionID)
		if err == nil && t.Gateway == gatewayID &&
			(t.GatewayTransactionID == "" || gatewayTransactionID == "" || t.GatewayTransactionID == gatewayTransactionID) {
			return t, nil
		}
		if err != nil && !errors.Is(err, internal.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if gatewayTransactionID == "" {
		return nil, internal.ErrTransactionNotFound.WithMessage("gateway event carries no usable reference")
	}
	return r.store.FindByGatewayReference(ctx, gatewayID, gatewayTransactionID)
}
