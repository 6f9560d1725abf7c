package sideeffect

import (
	"encoding/json"
	"time"

	effectmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/sideeffect"
)

type Kind string

const (
	KindNotify          Kind = "notify"
	KindWalletCredit    Kind = "wallet_credit"
	KindRatingOpen      Kind = "rating_open"
	KindArbitrationFlag Kind = "arbitration_flag"
	KindAutoReleaseArm  Kind = "auto_release_arm"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Recipients for effects that are not addressed to a marketplace user.
const (
	RecipientArbitration = "arbitration"
	RecipientScheduler   = "scheduler"
)

// Notification templates sent to buyers and sellers.
const (
	TemplatePaymentReceived = "payment_received"
	TemplatePaymentSecured  = "payment_secured"
	TemplateOrderShipped    = "order_shipped"
	TemplateFundsReleased   = "funds_released"
	TemplateDisputeOpened   = "dispute_opened"
	TemplateDisputeResolved = "dispute_resolved"
	TemplatePaymentFailed   = "payment_failed"
	TemplateOrderCancelled  = "order_cancelled"
	TemplateRefundIssued    = "refund_issued"
)

// Payload holds whatever one effect kind needs to run without re-reading the
// transaction.
type Payload struct {
	Template      string            `json:"template,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Finalize      bool              `json:"finalize,omitempty"`
	Role          string            `json:"role,omitempty"`
	CounterpartID string            `json:"counterpart_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	RunAt         *time.Time        `json:"run_at,omitempty"`
}

// Effect is one unit of outbound work caused by a committed transition.
type Effect struct {
	ID            string
	TransactionID string
	TransitionSeq int
	Kind          Kind
	Recipient     string
	Payload       Payload
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

func ToDataModel(e *Effect) (*effectmodel.SideEffect, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	row := &effectmodel.SideEffect{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		TransitionSeq: e.TransitionSeq,
		Kind:          string(e.Kind),
		Recipient:     e.Recipient,
		Payload:       string(raw),
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		NextAttemptAt: e.NextAttemptAt,
		CompletedAt:   e.CompletedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.CreatedAt,
	}
	if e.LastError != "" {
		lastErr := e.LastError
		row.LastError = &lastErr
	}
	return row, nil
}

func FromDataModel(row *effectmodel.SideEffect) (*Effect, error) {
	e := &Effect{
		ID:            row.ID,
		TransactionID: row.TransactionID,
		TransitionSeq: row.TransitionSeq,
		Kind:          Kind(row.Kind),
		Recipient:     row.Recipient,
		Status:        Status(row.Status),
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt,
		CompletedAt:   row.CompletedAt,
		CreatedAt:     row.CreatedAt,
	}
	if row.LastError != nil {
		e.LastError = *row.LastError
	}
	if err := json.Unmarshal([]byte(row.Payload), &e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}
