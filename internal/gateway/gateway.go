package gateway

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
)

const (
	Stripe  = "stripe"
	PayPal  = "paypal"
	PayTabs = "paytabs"
)

// Descriptor is the catalog entry of one gateway. FixedFee is in the
// settlement currency.
type Descriptor struct {
	ID                  string            `json:"id"`
	FeePercentage       decimal.Decimal   `json:"fee_percentage"`
	FixedFee            decimal.Decimal   `json:"fixed_fee"`
	Enabled             bool              `json:"enabled"`
	SupportedCurrencies []string          `json:"supported_currencies"`
	SupportedModes      []fee.PaymentMode `json:"supported_modes"`
	SettlementDelayDays int               `json:"settlement_delay_days"`
}

func (d Descriptor) Terms() fee.GatewayTerms {
	return fee.GatewayTerms{
		ID:            d.ID,
		FeePercentage: d.FeePercentage,
		FixedFee:      d.FixedFee,
		Enabled:       d.Enabled,
	}
}

func (d Descriptor) SupportsCurrency(currency string) bool {
	for _, c := range d.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// SupportsMode reports the payment-mode capability. An empty list means
// the gateway serves every mode.
func (d Descriptor) SupportsMode(mode fee.PaymentMode) bool {
	if len(d.SupportedModes) == 0 {
		return true
	}
	for _, m := range d.SupportedModes {
		if m == mode {
			return true
		}
	}
	return false
}

func DescriptorFromConfig(cfg internal.GatewayConfig) Descriptor {
	currencies := make([]string, 0, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		currencies = append(currencies, strings.ToUpper(strings.TrimSpace(c)))
	}
	modes := make([]fee.PaymentMode, 0, len(cfg.SupportedModes))
	for _, m := range cfg.SupportedModes {
		modes = append(modes, fee.PaymentMode(strings.ToLower(strings.TrimSpace(m))))
	}
	return Descriptor{
		ID:                  cfg.ID,
		FeePercentage:       decimal.NewFromFloat(cfg.FeePercentage),
		FixedFee:            decimal.NewFromFloat(cfg.FixedFee),
		Enabled:             cfg.Enabled,
		SupportedCurrencies: currencies,
		SupportedModes:      modes,
		SettlementDelayDays: cfg.SettlementDelayDays,
	}
}

func DescriptorsFromConfig(cfgs []internal.GatewayConfig) []Descriptor {
	out := make([]Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, DescriptorFromConfig(c))
	}
	return out
}
