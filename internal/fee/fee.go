package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type PaymentMode string

const (
	ModeEscrow   PaymentMode = "escrow"
	ModeStandard PaymentMode = "standard"
)

func (m PaymentMode) Valid() bool {
	return m == ModeEscrow || m == ModeStandard
}

// Payer says who bears the gateway processing fee.
type Payer string

const (
	PayerBuyer  Payer = "buyer"
	PayerSeller Payer = "seller"
)

func (p Payer) Valid() bool {
	return p == PayerBuyer || p == PayerSeller
}

var hundred = decimal.NewFromInt(100)

// Policy is the single source of the platform fee rates, stored as
// fractions (0.10 == 10%).
type Policy struct {
	EscrowRate   decimal.Decimal
	StandardRate decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		EscrowRate:   decimal.RequireFromString("0.10"),
		StandardRate: decimal.RequireFromString("0.05"),
	}
}

// NewPolicy builds a policy from percentages as they appear in config.
func NewPolicy(escrowPercent, standardPercent float64) Policy {
	return Policy{
		EscrowRate:   decimal.NewFromFloat(escrowPercent).Div(hundred),
		StandardRate: decimal.NewFromFloat(standardPercent).Div(hundred),
	}
}

func (p Policy) Rate(mode PaymentMode) (decimal.Decimal, error) {
	switch mode {
	case ModeEscrow:
		return p.EscrowRate, nil
	case ModeStandard:
		return p.StandardRate, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown payment mode %q", mode)
	}
}

// Tax is either a fixed amount or a rate applied to the base price.
type Tax struct {
	Rate  *decimal.Decimal
	Fixed decimal.Decimal
}

func FixedTax(amount decimal.Decimal) Tax {
	return Tax{Fixed: amount}
}

func RateTax(rate decimal.Decimal) Tax {
	return Tax{Rate: &rate}
}

func (t Tax) amount(base decimal.Decimal) decimal.Decimal {
	if t.Rate != nil {
		return base.Mul(*t.Rate)
	}
	return t.Fixed
}

// GatewayTerms is the fee schedule of one gateway. FixedFee is expressed in
// the settlement currency.
type GatewayTerms struct {
	ID            string
	FeePercentage decimal.Decimal
	FixedFee      decimal.Decimal
	Enabled       bool
}

// Round applies the display rounding: 2 decimal places, half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
