package checkout

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

// Draft is a priced checkout selection. Prices come from the listing or the
// accepted offer, resolved by the caller.
type Draft struct {
	BuyerID      string
	SellerID     string
	ProductID    string
	OfferID      string
	Price        decimal.Decimal
	ShippingCost decimal.Decimal
	Tax          fee.Tax
	Currency     string
	Gateway      string
	Mode         fee.PaymentMode
	FeePaidBy    fee.Payer
	ClientKey    string
	Description  string
}

func (d Draft) IdempotencyKey() string {
	return transaction.IdempotencyKey(d.BuyerID, d.ProductID, d.OfferID, d.ClientKey)
}

type Redirect struct {
	Type    gateway.RedirectType `json:"type"`
	Payload string               `json:"payload"`
}

type Result struct {
	Transaction *transaction.Transaction
	Redirect    Redirect
	// Replayed is set when the idempotency key matched an earlier checkout.
	Replayed bool
}

// Options are the checkout knobs taken from payment configuration.
type Options struct {
	SettlementCurrency string
	EscrowEnabled      bool
	StandardEnabled    bool
	ExchangeRates      map[string]decimal.Decimal
	GatewayTimeout     time.Duration
	ReturnURL          string
	CancelURL          string
	CallbackBaseURL    string
}

func OptionsFromConfig(cfg internal.PaymentConfig) Options {
	rates := make(map[string]decimal.Decimal, len(cfg.ExchangeRates))
	for currency, rate := range cfg.ExchangeRates {
		rates[strings.ToUpper(currency)] = decimal.NewFromFloat(rate)
	}
	return Options{
		SettlementCurrency: strings.ToUpper(cfg.SettlementCurrency),
		EscrowEnabled:      cfg.EscrowEnabled,
		StandardEnabled:    cfg.StandardEnabled,
		ExchangeRates:      rates,
		GatewayTimeout:     cfg.GatewayTimeout,
		ReturnURL:          cfg.ReturnURL,
		CancelURL:          cfg.CancelURL,
		CallbackBaseURL:    strings.TrimRight(cfg.CallbackBaseURL, "/"),
	}
}

func (o Options) modeEnabled(mode fee.PaymentMode) bool {
	switch mode {
	case fee.ModeEscrow:
		return o.EscrowEnabled
	case fee.ModeStandard:
		return o.StandardEnabled
	}
	return false
}

// quote returns display units per settlement unit.
func (o Options) quote(currency string) (decimal.Decimal, error) {
	if currency == o.SettlementCurrency {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := o.ExchangeRates[currency]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, internal.ErrUnsupportedCurrency.WithMessage("no exchange rate from %s to %s", o.SettlementCurrency, currency)
	}
	return rate, nil
}

// Quote is the cart a buyer wants fee previews for.
type Quote struct {
	Price        decimal.Decimal
	ShippingCost decimal.Decimal
	Tax          fee.Tax
	Mode         fee.PaymentMode
	FeePaidBy    fee.Payer
}
