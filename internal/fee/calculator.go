package fee

import (
	"strings"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/core/common/validation"
)

type Input struct {
	BasePrice    decimal.Decimal
	ShippingCost decimal.Decimal
	Tax          Tax
	Gateway      GatewayTerms
	PaidBy       Payer
	Mode         PaymentMode

	// Currency is the display currency all amounts above are expressed in.
	Currency           string
	SettlementCurrency string
	// ExchangeRate converts one unit of settlement currency into display
	// currency. Ignored when both currencies match.
	ExchangeRate decimal.Decimal
}

type Breakdown struct {
	ProductPrice     decimal.Decimal `json:"product_price"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	PlatformFeeRate  decimal.Decimal `json:"platform_fee_rate"`
	ShippingCost     decimal.Decimal `json:"shipping_cost"`
	SalesTax         decimal.Decimal `json:"sales_tax"`
	GatewayFee       decimal.Decimal `json:"gateway_fee"`
	GatewayFeePaidBy Payer           `json:"gateway_fee_paid_by"`
	Total            decimal.Decimal `json:"total"`
	SellerPayout     decimal.Decimal `json:"seller_payout"`
	Currency         string          `json:"currency"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
}

type Calculator struct {
	policy Policy
}

func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy}
}

func (c *Calculator) Policy() Policy {
	return c.policy
}

// Compute produces the fee breakdown for one checkout. Intermediate sums are
// kept unrounded; each reported component is rounded once and Total is the
// sum of the reported components.
func (c *Calculator) Compute(in Input) (Breakdown, error) {
	if !in.Gateway.Enabled {
		return Breakdown{}, errors.ErrGatewayUnavailable.WithMessage("payment gateway %s is unavailable, select another gateway", in.Gateway.ID)
	}
	if err := validateInput(in); err != nil {
		return Breakdown{}, err
	}

	rate, err := c.policy.Rate(in.Mode)
	if err != nil {
		return Breakdown{}, errors.NewValidationFieldError("payment_mode", err.Error(), errors.ErrCodeValidationFailed)
	}

	exchangeRate := decimal.NewFromInt(1)
	if in.SettlementCurrency != "" && !strings.EqualFold(in.Currency, in.SettlementCurrency) {
		exchangeRate = in.ExchangeRate
	}

	platform := in.BasePrice.Mul(rate)
	tax := in.Tax.amount(in.BasePrice)
	subtotal := in.BasePrice.Add(platform).Add(in.ShippingCost).Add(tax)

	// percentage applies in settlement currency, fixed fee is added there,
	// and the sum is converted back exactly once
	settled := subtotal.Div(exchangeRate)
	gatewaySettled := settled.Mul(in.Gateway.FeePercentage).Div(hundred).Add(in.Gateway.FixedFee)
	gateway := gatewaySettled.Mul(exchangeRate)

	b := Breakdown{
		ProductPrice:     Round(in.BasePrice),
		PlatformFee:      Round(platform),
		PlatformFeeRate:  rate,
		ShippingCost:     Round(in.ShippingCost),
		SalesTax:         Round(tax),
		GatewayFee:       Round(gateway),
		GatewayFeePaidBy: in.PaidBy,
		Currency:         strings.ToUpper(in.Currency),
		ExchangeRate:     exchangeRate,
	}

	b.Total = b.ProductPrice.Add(b.PlatformFee).Add(b.ShippingCost).Add(b.SalesTax)
	b.SellerPayout = b.ProductPrice.Add(b.ShippingCost).Add(b.SalesTax)
	if in.PaidBy == PayerBuyer {
		b.Total = b.Total.Add(b.GatewayFee)
	} else {
		b.SellerPayout = b.SellerPayout.Sub(b.GatewayFee)
	}

	return b, nil
}

func validateInput(in Input) *errors.AppError {
	v := validation.NewValidator()
	v.Field("base_price", in.BasePrice).Positive()
	v.Field("shipping_cost", in.ShippingCost).NonNegative()
	v.Field("sales_tax", in.Tax.Fixed).NonNegative()
	if in.Tax.Rate != nil {
		v.Field("tax_rate", *in.Tax.Rate).NonNegative()
	}
	v.Field("gateway_fee_paid_by", string(in.PaidBy)).Required().OneOf(string(PayerBuyer), string(PayerSeller))
	v.Field("currency", in.Currency).Required().Currency()
	if in.SettlementCurrency != "" && !strings.EqualFold(in.Currency, in.SettlementCurrency) {
		v.Field("exchange_rate", in.ExchangeRate).Positive()
	}
	return v.Validate()
}
