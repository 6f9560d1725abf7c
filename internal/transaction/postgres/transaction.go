package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/marketplace-payment/internal"
	txmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/fee"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) transaction.RepositoryAPI {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *txmodel.Transaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *TransactionRepository) first(ctx context.Context, query string, args ...interface{}) (*txmodel.Transaction, error) {
	var row txmodel.Transaction
	err := r.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where(query, args...).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*txmodel.Transaction, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*txmodel.Transaction, error) {
	return r.first(ctx, "idempotency_key = ?", key)
}

func (r *TransactionRepository) GetByGatewayReference(ctx context.Context, gateway, gatewayTransactionID string) (*txmodel.Transaction, error) {
	return r.first(ctx, "payment_gateway = ? AND gateway_transaction_id = ?", gateway, gatewayTransactionID)
}

// Save writes the mutable columns and appends the history entry in one
// database transaction, guarded by the version column.
func (r *TransactionRepository) Save(ctx context.Context, tx *txmodel.Transaction, expectedVersion int64, entry *txmodel.StatusHistory) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		result := db.Model(&txmodel.Transaction{}).
			Where("id = ? AND version = ?", tx.ID, expectedVersion).
			Updates(map[string]interface{}{
				"status":                 tx.Status,
				"gateway_transaction_id": tx.GatewayTransactionID,
				"tracking_number":        tx.TrackingNumber,
				"carrier":                tx.Carrier,
				"shipped_at":             tx.ShippedAt,
				"estimated_delivery":     tx.EstimatedDelivery,
				"auto_release_at":        tx.AutoReleaseAt,
				"dispute_reason":         tx.DisputeReason,
				"dispute_description":    tx.DisputeDescription,
				"dispute_raised_by":      tx.DisputeRaisedBy,
				"session_type":           tx.SessionType,
				"session_payload":        tx.SessionPayload,
				"version":                expectedVersion + 1,
				"updated_at":             tx.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return internal.ErrStaleState.WithMessage("transaction %s was modified concurrently", tx.ID)
		}
		if entry == nil {
			return nil
		}
		return db.Create(entry).Error
	})
}

func (r *TransactionRepository) ListDueAutoRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&txmodel.Transaction{}).
		Where("status = ? AND payment_mode = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?", string(transaction.StatusShipped), string(fee.ModeEscrow), now).
		Order("auto_release_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *TransactionRepository) ListByStatusUpdatedBefore(ctx context.Context, status string, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&txmodel.Transaction{}).
		Where("status = ? AND updated_at <= ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
