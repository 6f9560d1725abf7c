package transaction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/core/common/validation"
)

type ShipRequest struct {
	TrackingNumber    string     `json:"tracking_number"`
	Carrier           string     `json:"carrier"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	Note              string     `json:"note,omitempty"`
}

func (r ShipRequest) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("tracking_number", r.TrackingNumber).MaxLength(128)
	v.Field("carrier", r.Carrier).MaxLength(64)
	v.Field("note", r.Note).MaxLength(500)
	return v.Validate()
}

func (r ShipRequest) Metadata() Metadata {
	return Metadata{
		Note:              r.Note,
		TrackingNumber:    r.TrackingNumber,
		Carrier:           r.Carrier,
		EstimatedDelivery: r.EstimatedDelivery,
	}
}

type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

func (r NoteRequest) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("note", r.Note).MaxLength(500)
	return v.Validate()
}

type DisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (r DisputeRequest) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("reason", r.Reason).MaxLength(128)
	v.Field("description", r.Description).MaxLength(2000)
	return v.Validate()
}

const (
	OutcomeRefund  = "refund"
	OutcomeRelease = "release"
)

type ResolveRequest struct {
	Outcome    string `json:"outcome"`
	Resolution string `json:"resolution"`
}

func (r ResolveRequest) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("outcome", r.Outcome).Required().OneOf(OutcomeRefund, OutcomeRelease)
	v.Field("resolution", r.Resolution).MaxLength(2000)
	return v.Validate()
}

func (r ResolveRequest) Target() Status {
	if r.Outcome == OutcomeRefund {
		return StatusRefunded
	}
	return StatusCompleted
}

type TransactionResponse struct {
	ID                   string           `json:"id"`
	HumanTransactionID   string           `json:"human_transaction_id"`
	PaymentMode          string           `json:"payment_mode"`
	BuyerID              string           `json:"buyer_id"`
	SellerID             string           `json:"seller_id"`
	ProductID            string           `json:"product_id"`
	OfferID              string           `json:"offer_id,omitempty"`
	ProductPrice         decimal.Decimal  `json:"product_price"`
	ShippingCost         decimal.Decimal  `json:"shipping_cost"`
	SalesTax             decimal.Decimal  `json:"sales_tax"`
	PlatformFeeAmount    decimal.Decimal  `json:"platform_fee_amount"`
	GatewayFeeAmount     decimal.Decimal  `json:"gateway_fee_amount"`
	GatewayFeePaidBy     string           `json:"gateway_fee_paid_by"`
	TotalAmount          decimal.Decimal  `json:"total_amount"`
	SellerPayout         decimal.Decimal  `json:"seller_payout"`
	Currency             string           `json:"currency"`
	ExchangeRate         decimal.Decimal  `json:"exchange_rate_at_creation"`
	PaymentGateway       string           `json:"payment_gateway"`
	GatewayTransactionID string           `json:"gateway_transaction_id,omitempty"`
	Status               Status           `json:"status"`
	StatusHistory        []HistoryEntry   `json:"status_history"`
	DeliveryDetails      *DeliveryDetails `json:"delivery_details,omitempty"`
	AutoReleaseAt        *time.Time       `json:"auto_release_at,omitempty"`
	Dispute              *Dispute         `json:"dispute,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (t *Transaction) ToResponse() TransactionResponse {
	money := func(d decimal.Decimal) decimal.Decimal { return d.Round(2) }
	return TransactionResponse{
		ID:                   t.ID,
		HumanTransactionID:   t.HumanID,
		PaymentMode:          string(t.PaymentMode),
		BuyerID:              t.BuyerID,
		SellerID:             t.SellerID,
		ProductID:            t.ProductID,
		OfferID:              t.OfferID,
		ProductPrice:         money(t.ProductPrice),
		ShippingCost:         money(t.ShippingCost),
		SalesTax:             money(t.SalesTax),
		PlatformFeeAmount:    money(t.PlatformFee),
		GatewayFeeAmount:     money(t.GatewayFee),
		GatewayFeePaidBy:     string(t.GatewayFeePaidBy),
		TotalAmount:          money(t.Total),
		SellerPayout:         money(t.SellerPayout),
		Currency:             t.Currency,
		ExchangeRate:         t.ExchangeRate,
		PaymentGateway:       t.Gateway,
		GatewayTransactionID: t.GatewayTransactionID,
		Status:               t.Status,
		StatusHistory:        t.History,
		DeliveryDetails:      t.Delivery,
		AutoReleaseAt:        t.AutoReleaseAt,
		Dispute:              t.Dispute,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}
