package checkout

import (
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/core/common/validation"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

// IdempotencyHeader may carry the client key instead of the body field.
const IdempotencyHeader = "Idempotency-Key"

type CreateTransactionRequest struct {
	SellerID         string           `json:"seller_id"`
	ProductID        string           `json:"product_id"`
	OfferID          string           `json:"offer_id,omitempty"`
	Price            decimal.Decimal  `json:"price"`
	ShippingCost     decimal.Decimal  `json:"shipping_cost"`
	TaxAmount        decimal.Decimal  `json:"tax_amount"`
	TaxRate          *decimal.Decimal `json:"tax_rate,omitempty"`
	Currency         string           `json:"currency"`
	PaymentGateway   string           `json:"payment_gateway,omitempty"`
	PaymentMode      string           `json:"payment_mode"`
	GatewayFeePaidBy string           `json:"gateway_fee_paid_by,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	Description      string           `json:"description,omitempty"`
}

func (r CreateTransactionRequest) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("tax", r.TaxAmount).Custom(func(interface{}) *internal.AppError {
		if r.TaxRate != nil && !r.TaxAmount.IsZero() {
			return internal.NewValidationFieldError("tax", "give either tax_amount or tax_rate, not both", internal.ErrCodeValidationFailed)
		}
		return nil
	})
	return v.Validate()
}

// Draft turns the request into a checkout draft for buyerID. The gateway fee
// defaults to the buyer.
func (r CreateTransactionRequest) Draft(buyerID string) Draft {
	tax := fee.FixedTax(r.TaxAmount)
	if r.TaxRate != nil {
		tax = fee.RateTax(*r.TaxRate)
	}
	paidBy := fee.Payer(r.GatewayFeePaidBy)
	if paidBy == "" {
		paidBy = fee.PayerBuyer
	}
	return Draft{
		BuyerID:      buyerID,
		SellerID:     r.SellerID,
		ProductID:    r.ProductID,
		OfferID:      r.OfferID,
		Price:        r.Price,
		ShippingCost: r.ShippingCost,
		Tax:          tax,
		Currency:     r.Currency,
		Gateway:      r.PaymentGateway,
		Mode:         fee.PaymentMode(r.PaymentMode),
		FeePaidBy:    paidBy,
		ClientKey:    r.IdempotencyKey,
		Description:  r.Description,
	}
}

type CheckoutResponse struct {
	Transaction transaction.TransactionResponse `json:"transaction"`
	Redirect    *Redirect                       `json:"redirect,omitempty"`
}

func (res *Result) ToResponse() CheckoutResponse {
	out := CheckoutResponse{Transaction: res.Transaction.ToResponse()}
	if res.Redirect.Payload != "" {
		redirect := res.Redirect
		out.Redirect = &redirect
	}
	return out
}

type GatewayListResponse struct {
	Gateways []GatewayQuote `json:"gateways"`
}

// quoteFromQuery reads an optional fee preview request from the query
// string. No amount means no preview.
func quoteFromQuery(q url.Values) (*Quote, *internal.AppError) {
	if q.Get("amount") == "" {
		return nil, nil
	}

	parse := func(field string) (decimal.Decimal, *internal.AppError) {
		raw := q.Get(field)
		if raw == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, internal.NewValidationFieldError(field, field+" must be a decimal number", internal.ErrCodeInvalidAmount)
		}
		return d, nil
	}

	amount, appErr := parse("amount")
	if appErr != nil {
		return nil, appErr
	}
	shipping, appErr := parse("shipping_cost")
	if appErr != nil {
		return nil, appErr
	}
	taxAmount, appErr := parse("tax_amount")
	if appErr != nil {
		return nil, appErr
	}

	quote := &Quote{
		Price:        amount,
		ShippingCost: shipping,
		Tax:          fee.FixedTax(taxAmount),
		Mode:         fee.PaymentMode(q.Get("payment_mode")),
		FeePaidBy:    fee.Payer(q.Get("gateway_fee_paid_by")),
	}
	if quote.Mode == "" {
		quote.Mode = fee.ModeEscrow
	}
	if quote.FeePaidBy == "" {
		quote.FeePaidBy = fee.PayerBuyer
	}

	v := validation.NewValidator()
	v.Field("amount", quote.Price).Positive()
	v.Field("shipping_cost", quote.ShippingCost).NonNegative()
	v.Field("tax_amount", taxAmount).NonNegative()
	v.Field("payment_mode", string(quote.Mode)).OneOf(string(fee.ModeEscrow), string(fee.ModeStandard))
	v.Field("gateway_fee_paid_by", string(quote.FeePaidBy)).OneOf(string(fee.PayerBuyer), string(fee.PayerSeller))
	if appErr := v.Validate(); appErr != nil {
		return nil, appErr
	}
	return quote, nil
}
