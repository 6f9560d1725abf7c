package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
)

type RedirectType string

const (
	RedirectClientSecret RedirectType = "client_secret"
	RedirectURL          RedirectType = "redirect_url"
	RedirectOrderToken   RedirectType = "order_token"
)

type SessionRequest struct {
	TransactionID  string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	ReturnURL      string
	CancelURL      string
	CallbackURL    string
}

// SessionHandle is what the gateway hands back on acknowledging a session.
type SessionHandle struct {
	GatewayTransactionID string
	RedirectType         RedirectType
	Payload              string
	NativeStatus         string
}

// NativeEvent is a verified webhook translated to the fields the reconciler
// needs. Status stays in the gateway's own vocabulary.
type NativeEvent struct {
	Gateway              string
	EventID              string
	GatewayTransactionID string
	TransactionID        string
	Status               string
}

type Adapter interface {
	ID() string
	SignatureHeader() string
	CreateSession(ctx context.Context, req SessionRequest) (SessionHandle, error)
	ConfirmSession(ctx context.Context, gatewayTransactionID string) (string, error)
	VerifyWebhook(payload []byte, signature string) (NativeEvent, error)
	PollStatus(ctx context.Context, gatewayTransactionID string) (string, error)
}

type Adapters struct {
	adapters map[string]Adapter
}

func NewAdapters(adapters ...Adapter) *Adapters {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Adapters{adapters: m}
}

// NewAdaptersFromConfig builds one adapter per configured gateway with a
// known provider id.
func NewAdaptersFromConfig(cfgs []internal.GatewayConfig, timeout time.Duration, logger *slog.Logger) *Adapters {
	var list []Adapter
	for _, c := range cfgs {
		switch c.ID {
		case Stripe:
			list = append(list, NewStripeAdapter(c, timeout, logger))
		case PayPal:
			list = append(list, NewPayPalAdapter(c, timeout, logger))
		case PayTabs:
			list = append(list, NewPayTabsAdapter(c, timeout, logger))
		default:
			logger.Warn("no adapter for configured gateway", "gateway", c.ID)
		}
	}
	return NewAdapters(list...)
}

func (a *Adapters) Get(id string) (Adapter, error) {
	adapter, ok := a.adapters[id]
	if !ok {
		return nil, internal.ErrGatewayNotFound.WithMessage("no adapter for payment gateway %s", id)
	}
	return adapter, nil
}
