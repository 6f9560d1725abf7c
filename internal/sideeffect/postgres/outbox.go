package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	effectmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/sideeffect"
	"github.com/frahmantamala/marketplace-payment/internal/sideeffect"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) sideeffect.RepositoryAPI {
	return &OutboxRepository{db: db}
}

// InsertBatch writes rows one by one inside a database transaction with
// ON CONFLICT DO NOTHING, so a redelivered event inserts nothing.
func (r *OutboxRepository) InsertBatch(ctx context.Context, rows []*effectmodel.SideEffect) ([]string, error) {
	var inserted []string
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		for _, row := range rows {
			result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				inserted = append(inserted, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*effectmodel.SideEffect, error) {
	var row effectmodel.SideEffect
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *OutboxRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*effectmodel.SideEffect, error) {
	var rows []*effectmodel.SideEffect
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("transition_seq ASC, created_at ASC, kind ASC, recipient ASC").
		Find(&rows).Error
	return rows, err
}

func (r *OutboxRepository) Claim(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&effectmodel.SideEffect{}).
		Where("id = ? AND status = ? AND attempts = ? AND next_attempt_at <= ?", id, string(sideeffect.StatusPending), attempts, now).
		Updates(map[string]interface{}{
			"attempts":        attempts + 1,
			"next_attempt_at": leaseUntil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *OutboxRepository) MarkDone(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&effectmodel.SideEffect{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       string(sideeffect.StatusDone),
			"completed_at": at,
			"last_error":   nil,
			"updated_at":   at,
		}).Error
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, id, lastError string, next time.Time) error {
	return r.db.WithContext(ctx).Model(&effectmodel.SideEffect{}).
		Where("id = ? AND status = ?", id, string(sideeffect.StatusPending)).
		Updates(map[string]interface{}{
			"last_error":      lastError,
			"next_attempt_at": next,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id, lastError string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&effectmodel.SideEffect{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     string(sideeffect.StatusDead),
			"last_error": lastError,
			"updated_at": at,
		}).Error
}

func (r *OutboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&effectmodel.SideEffect{}).
		Where("status = ? AND next_attempt_at <= ?", string(sideeffect.StatusPending), now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

type RatingRepository struct {
	db *gorm.DB
}

func NewRatingRepository(db *gorm.DB) *RatingRepository {
	return &RatingRepository{db: db}
}

// Open records that a party may rate the counterpart. Opening twice is a
// no-op.
func (r *RatingRepository) Open(ctx context.Context, row *effectmodel.RatingEligibility) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (r *RatingRepository) ListByTransaction(ctx context.Context, transactionID string) ([]effectmodel.RatingEligibility, error) {
	var rows []effectmodel.RatingEligibility
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Order("role ASC").Find(&rows).Error
	return rows, err
}
