package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/core/common/validation"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

type TransactionStore interface {
	Create(ctx context.Context, t *transaction.Transaction) (*transaction.Transaction, error)
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	GetForCaller(ctx context.Context, id string, caller transaction.Caller) (*transaction.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*transaction.Transaction, error)
	Transition(ctx context.Context, id string, current, target transaction.Status, actor transaction.Actor, meta transaction.Metadata) (*transaction.Transaction, error)
	AttachSession(ctx context.Context, id, gatewayTransactionID string, session transaction.Session) (*transaction.Transaction, error)
}

type AdapterSource interface {
	Get(id string) (gateway.Adapter, error)
}

// StatusReconciler applies a gateway-native status to a transaction.
type StatusReconciler interface {
	Reconcile(ctx context.Context, transactionID, gatewayID, nativeStatus string) (*transaction.Transaction, error)
}

// Watcher arms the polling fallback for a transaction awaiting gateway truth.
type Watcher interface {
	Watch(transactionID string)
}

type Orchestrator struct {
	registry     *gateway.Registry
	adapters     AdapterSource
	transactions TransactionStore
	reconciler   StatusReconciler
	watcher      Watcher
	opts         Options
	logger       *slog.Logger
}

func NewOrchestrator(registry *gateway.Registry, adapters AdapterSource, transactions TransactionStore, reconciler StatusReconciler, watcher Watcher, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:     registry,
		adapters:     adapters,
		transactions: transactions,
		reconciler:   reconciler,
		watcher:      watcher,
		opts:         opts,
		logger:       logger,
	}
}

func (o *Orchestrator) validate(d Draft) *internal.AppError {
	v := validation.NewValidator()
	v.Field("buyer_id", d.BuyerID).Required()
	v.Field("seller_id", d.SellerID).Required().Custom(func(value interface{}) *internal.AppError {
		if d.SellerID != "" && value == d.BuyerID {
			return internal.NewValidationFieldError("seller_id", "buyer and seller must differ", internal.ErrCodeValidationFailed)
		}
		return nil
	})
	v.Field("product_id", d.ProductID).Required().MaxLength(64)
	v.Field("offer_id", d.OfferID).MaxLength(64)
	v.Field("price", d.Price).Positive()
	v.Field("shipping_cost", d.ShippingCost).NonNegative()
	v.Field("tax_amount", d.Tax.Fixed).NonNegative()
	if d.Tax.Rate != nil {
		v.Field("tax_rate", *d.Tax.Rate).NonNegative()
	}
	v.Field("currency", d.Currency).Required().Currency()
	v.Field("payment_mode", string(d.Mode)).Required().OneOf(string(fee.ModeEscrow), string(fee.ModeStandard))
	v.Field("gateway_fee_paid_by", string(d.FeePaidBy)).Required().OneOf(string(fee.PayerBuyer), string(fee.PayerSeller))
	v.Field("idempotency_key", d.ClientKey).Required().MaxLength(128)
	v.Field("description", d.Description).MaxLength(500)
	return v.Validate()
}

// Initiate creates or resumes the checkout identified by the draft's
// idempotency key. Selection errors surface before anything is written; a
// gateway that cannot be reached leaves the transaction in pending_payment.
func (o *Orchestrator) Initiate(ctx context.Context, d Draft) (*Result, error) {
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if appErr := o.validate(d); appErr != nil {
		return nil, appErr
	}
	if !o.opts.modeEnabled(d.Mode) {
		return nil, internal.ErrPaymentModeUnavailable.WithMessage("%s payments are not enabled", d.Mode)
	}

	descriptor, err := o.registry.Select(d.Gateway, d.Currency, d.Price)
	if err != nil {
		return nil, err
	}
	if !descriptor.SupportsMode(d.Mode) {
		return nil, internal.ErrPaymentModeUnavailable.WithMessage("payment gateway %s does not support %s payments", descriptor.ID, d.Mode)
	}
	d.Gateway = descriptor.ID

	log := logger.From(ctx).With("buyer_id", d.BuyerID, "product_id", d.ProductID, "gateway", d.Gateway)
	key := d.IdempotencyKey()

	existing, err := o.transactions.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("checkout resumed by idempotency key", "transaction_id", existing.ID, "status", existing.Status)
		return o.resume(ctx, existing, d)
	}

	rate, err := o.opts.quote(d.Currency)
	if err != nil {
		return nil, err
	}
	breakdown, err := o.registry.Preview(descriptor.ID, fee.Input{
		BasePrice:          d.Price,
		ShippingCost:       d.ShippingCost,
		Tax:                d.Tax,
		PaidBy:             d.FeePaidBy,
		Mode:               d.Mode,
		Currency:           d.Currency,
		SettlementCurrency: o.opts.SettlementCurrency,
		ExchangeRate:       rate,
	})
	if err != nil {
		return nil, err
	}

	draft := &transaction.Transaction{
		PaymentMode:    d.Mode,
		BuyerID:        d.BuyerID,
		SellerID:       d.SellerID,
		ProductID:      d.ProductID,
		OfferID:        d.OfferID,
		Gateway:        descriptor.ID,
		IdempotencyKey: key,
	}
	draft.ApplyBreakdown(breakdown)

	created, err := o.transactions.Create(ctx, draft)
	if err != nil {
		// a concurrent request with the same key may have won the insert
		winner, findErr := o.transactions.FindByIdempotencyKey(ctx, key)
		if findErr == nil && winner != nil {
			return o.resume(ctx, winner, d)
		}
		return nil, err
	}

	return o.openSession(ctx, created, d, false)
}

// resume retries the gateway session for a checkout that never got past
// pending_payment and replays the stored redirect otherwise.
func (o *Orchestrator) resume(ctx context.Context, t *transaction.Transaction, d Draft) (*Result, error) {
	if t.BuyerID != d.BuyerID {
		return nil, internal.ErrUnauthorizedAccess
	}
	if t.Status == transaction.StatusPendingPayment {
		return o.openSession(ctx, t, d, true)
	}

	result := &Result{Transaction: t, Replayed: true}
	if t.Session != nil {
		result.Redirect = Redirect{Type: gateway.RedirectType(t.Session.Type), Payload: t.Session.Payload}
	}
	return result, nil
}

func (o *Orchestrator) openSession(ctx context.Context, t *transaction.Transaction, d Draft, replayed bool) (*Result, error) {
	log := logger.From(ctx).With("transaction_id", t.ID, "gateway", t.Gateway)

	adapter, err := o.adapters.Get(t.Gateway)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := internal.WithTimeout(ctx, o.opts.GatewayTimeout)
	defer cancel()

	handle, err := adapter.CreateSession(callCtx, gateway.SessionRequest{
		TransactionID:  t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Amount:         t.Total,
		Currency:       t.Currency,
		Description:    sessionDescription(t, d),
		Metadata: map[string]string{
			"human_transaction_id": t.HumanID,
			"payment_mode":         string(t.PaymentMode),
		},
		ReturnURL:   o.opts.ReturnURL,
		CancelURL:   o.opts.CancelURL,
		CallbackURL: o.callbackURL(t.Gateway),
	})
	if err != nil {
		log.Warn("gateway session could not be created", "error", err)
		return nil, unreachable(err)
	}

	meta := transaction.Metadata{
		GatewayTransactionID: handle.GatewayTransactionID,
		GatewayStatus:        handle.NativeStatus,
		SessionType:          string(handle.RedirectType),
		SessionPayload:       handle.Payload,
	}
	updated, err := o.transactions.Transition(ctx, t.ID, transaction.StatusPendingPayment, transaction.StatusPaymentProcessing, transaction.GatewayActor(t.Gateway), meta)
	if err != nil {
		if !errors.Is(err, internal.ErrStaleState) {
			return nil, err
		}
		// gateway truth arrived first; keep the session for later replays
		session := transaction.Session{Type: meta.SessionType, Payload: meta.SessionPayload}
		updated, err = o.transactions.AttachSession(ctx, t.ID, handle.GatewayTransactionID, session)
		if err != nil {
			log.Warn("gateway session could not be stored", "error", err)
			if updated, err = o.transactions.Get(ctx, t.ID); err != nil {
				return nil, err
			}
		}
	}

	if o.watcher != nil {
		o.watcher.Watch(updated.ID)
	}

	log.Info("gateway session opened", "gateway_transaction_id", handle.GatewayTransactionID, "redirect_type", handle.RedirectType)
	return &Result{
		Transaction: updated,
		Redirect:    Redirect{Type: handle.RedirectType, Payload: handle.Payload},
		Replayed:    replayed,
	}, nil
}

// ConfirmSession is called when the buyer returns from the gateway. It asks
// the gateway for the outcome and reconciles it.
func (o *Orchestrator) ConfirmSession(ctx context.Context, id string, caller transaction.Caller) (*transaction.Transaction, error) {
	t, err := o.transactions.GetForCaller(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != caller.UserID {
		return nil, internal.ErrUnauthorizedAccess.WithMessage("only the buyer can confirm a payment session")
	}
	if t.GatewayTransactionID == "" {
		return nil, internal.ErrPreconditionFailed.WithMessage("transaction %s has no gateway session yet", id)
	}

	adapter, err := o.adapters.Get(t.Gateway)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := internal.WithTimeout(ctx, o.opts.GatewayTimeout)
	defer cancel()

	status, err := adapter.ConfirmSession(callCtx, t.GatewayTransactionID)
	if err != nil {
		logger.From(ctx).Warn("gateway session confirmation failed", "transaction_id", id, "gateway", t.Gateway, "error", err)
		return nil, unreachable(err)
	}
	return o.reconciler.Reconcile(ctx, id, t.Gateway, status)
}

func (o *Orchestrator) callbackURL(gatewayID string) string {
	if o.opts.CallbackBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/webhooks/%s", o.opts.CallbackBaseURL, gatewayID)
}

func sessionDescription(t *transaction.Transaction, d Draft) string {
	if d.Description != "" {
		return d.Description
	}
	return fmt.Sprintf("Order %s", t.HumanID)
}

// unreachable keeps gateway errors that already carry a classification and
// maps everything else, including timeouts, to ErrGatewayUnreachable.
func unreachable(err error) error {
	if appErr, ok := internal.IsAppError(err); ok {
		return appErr
	}
	return internal.ErrGatewayUnreachable.WithCause(err)
}

// GatewayQuote is a catalog entry with an optional fee preview for the
// quoted cart.
type GatewayQuote struct {
	gateway.Descriptor
	Preview *fee.Breakdown `json:"fee_preview,omitempty"`
}

// Gateways lists enabled gateways that accept currency (all enabled gateways
// when currency is empty). With a quote, each entry carries the fees the
// buyer would see.
func (o *Orchestrator) Gateways(currency string, q *Quote) ([]GatewayQuote, error) {
	currency = strings.ToUpper(currency)
	var rate = decimal.NewFromInt(1)
	if q != nil {
		if currency == "" {
			currency = o.opts.SettlementCurrency
		}
		var err error
		if rate, err = o.opts.quote(currency); err != nil {
			return nil, err
		}
	}

	var out []GatewayQuote
	for _, d := range o.registry.List() {
		if !d.Enabled || (currency != "" && !d.SupportsCurrency(currency)) {
			continue
		}
		if q != nil && !d.SupportsMode(q.Mode) {
			continue
		}
		entry := GatewayQuote{Descriptor: d}
		if q != nil {
			b, err := o.registry.Preview(d.ID, fee.Input{
				BasePrice:          q.Price,
				ShippingCost:       q.ShippingCost,
				Tax:                q.Tax,
				PaidBy:             q.FeePaidBy,
				Mode:               q.Mode,
				Currency:           currency,
				SettlementCurrency: o.opts.SettlementCurrency,
				ExchangeRate:       rate,
			})
			if err != nil {
				return nil, err
			}
			entry.Preview = &b
		}
		out = append(out, entry)
	}
	return out, nil
}
