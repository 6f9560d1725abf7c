package paymentgateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentGateway is a persisted catalog row. Currency and mode lists are
// stored comma separated.
type PaymentGateway struct {
	ID                  string          `gorm:"column:id;primaryKey"`
	Enabled             bool            `gorm:"column:enabled;not null"`
	FeePercentage       decimal.Decimal `gorm:"column:fee_percentage;type:numeric(7,4);not null"`
	FixedFee            decimal.Decimal `gorm:"column:fixed_fee;type:numeric(20,4);not null"`
	SupportedCurrencies string          `gorm:"column:supported_currencies;not null"`
	SupportedModes      string          `gorm:"column:supported_modes"`
	SettlementDelayDays int             `gorm:"column:settlement_delay_days;not null"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

func (PaymentGateway) TableName() string {
	return "payment_gateways"
}
