package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/marketplace-payment/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
)

type CatalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) gateway.CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) List(ctx context.Context) ([]*paymentgateway.PaymentGateway, error) {
	var rows []*paymentgateway.PaymentGateway
	err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *CatalogRepository) Upsert(ctx context.Context, row *paymentgateway.PaymentGateway) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "fee_percentage", "fixed_fee", "supported_currencies",
			"supported_modes", "settlement_delay_days", "updated_at",
		}),
	}).Create(row).Error
}
