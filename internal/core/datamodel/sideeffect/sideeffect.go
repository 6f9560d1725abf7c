package sideeffect

import "time"

// SideEffect is one outbox row. The (transaction_id, transition_seq, kind,
// recipient) tuple makes enqueueing idempotent.
type SideEffect struct {
	ID            string     `gorm:"column:id;primaryKey"`
	TransactionID string     `gorm:"column:transaction_id;not null;index;uniqueIndex:idx_side_effects_dedup"`
	TransitionSeq int        `gorm:"column:transition_seq;not null;uniqueIndex:idx_side_effects_dedup"`
	Kind          string     `gorm:"column:kind;not null;uniqueIndex:idx_side_effects_dedup"`
	Recipient     string     `gorm:"column:recipient;not null;uniqueIndex:idx_side_effects_dedup"`
	Payload       string     `gorm:"column:payload;not null"`
	Status        string     `gorm:"column:status;not null;index"`
	Attempts      int        `gorm:"column:attempts;not null"`
	LastError     *string    `gorm:"column:last_error"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null;index"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (SideEffect) TableName() string {
	return "side_effects"
}

type RatingEligibility struct {
	TransactionID string    `gorm:"column:transaction_id;primaryKey"`
	UserID        string    `gorm:"column:user_id;not null"`
	Role          string    `gorm:"column:role;primaryKey"`
	CounterpartID string    `gorm:"column:counterpart_id;not null"`
	OpenedAt      time.Time `gorm:"column:opened_at;not null"`
}

func (RatingEligibility) TableName() string {
	return "rating_eligibility"
}
