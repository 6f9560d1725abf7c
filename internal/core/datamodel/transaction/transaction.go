package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ID                   string          `gorm:"column:id;primaryKey"`
	HumanID              string          `gorm:"column:human_transaction_id;uniqueIndex;not null"`
	PaymentMode          string          `gorm:"column:payment_mode;not null"`
	BuyerID              string          `gorm:"column:buyer_id;index;not null"`
	SellerID             string          `gorm:"column:seller_id;index;not null"`
	ProductID            string          `gorm:"column:product_id;not null"`
	OfferID              *string         `gorm:"column:offer_id"`
	ProductPrice         decimal.Decimal `gorm:"column:product_price;type:numeric(20,4);not null"`
	ShippingCost         decimal.Decimal `gorm:"column:shipping_cost;type:numeric(20,4);not null"`
	SalesTax             decimal.Decimal `gorm:"column:sales_tax;type:numeric(20,4);not null"`
	PlatformFee          decimal.Decimal `gorm:"column:platform_fee;type:numeric(20,4);not null"`
	PlatformFeeRate      decimal.Decimal `gorm:"column:platform_fee_rate;type:numeric(7,4);not null"`
	GatewayFee           decimal.Decimal `gorm:"column:gateway_fee;type:numeric(20,4);not null"`
	GatewayFeePaidBy     string          `gorm:"column:gateway_fee_paid_by;not null"`
	TotalAmount          decimal.Decimal `gorm:"column:total_amount;type:numeric(20,4);not null"`
	SellerPayout         decimal.Decimal `gorm:"column:seller_payout;type:numeric(20,4);not null"`
	Currency             string          `gorm:"column:currency;not null"`
	ExchangeRate         decimal.Decimal `gorm:"column:exchange_rate_at_creation;type:numeric(20,10);not null"`
	PaymentGateway       string          `gorm:"column:payment_gateway;not null;uniqueIndex:idx_transactions_gateway_ref"`
	GatewayTransactionID *string         `gorm:"column:gateway_transaction_id;uniqueIndex:idx_transactions_gateway_ref"`
	Status               string          `gorm:"column:status;index;not null"`
	TrackingNumber       *string         `gorm:"column:tracking_number"`
	Carrier              *string         `gorm:"column:carrier"`
	ShippedAt            *time.Time      `gorm:"column:shipped_at"`
	EstimatedDelivery    *time.Time      `gorm:"column:estimated_delivery"`
	AutoReleaseAt        *time.Time      `gorm:"column:auto_release_at;index"`
	DisputeReason        *string         `gorm:"column:dispute_reason"`
	DisputeDescription   *string         `gorm:"column:dispute_description"`
	DisputeRaisedBy      *string         `gorm:"column:dispute_raised_by"`
	IdempotencyKey       string          `gorm:"column:idempotency_key;uniqueIndex;not null"`
	SessionType          *string         `gorm:"column:session_type"`
	SessionPayload       *string         `gorm:"column:session_payload"`
	Version              int64           `gorm:"column:version;not null"`
	CreatedAt            time.Time       `gorm:"column:created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at"`

	History []StatusHistory `gorm:"foreignKey:TransactionID;references:ID"`
}

func (Transaction) TableName() string {
	return "transactions"
}

type StatusHistory struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TransactionID string    `gorm:"column:transaction_id;not null;uniqueIndex:idx_status_history_seq"`
	Seq           int       `gorm:"column:seq;not null;uniqueIndex:idx_status_history_seq"`
	Status        string    `gorm:"column:status;not null"`
	Note          string    `gorm:"column:note"`
	ActorID       string    `gorm:"column:actor_id"`
	ActorRole     string    `gorm:"column:actor_role;not null"`
	Fingerprint   string    `gorm:"column:fingerprint;not null"`
	OccurredAt    time.Time `gorm:"column:occurred_at;not null"`
}

func (StatusHistory) TableName() string {
	return "transaction_status_history"
}
