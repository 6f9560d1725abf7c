package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeTransactionTransitioned = "transaction.transitioned"
)

// TransactionTransitionedEvent is emitted after a status change is committed.
type TransactionTransitionedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Seq           int    `json:"seq"`
	PaymentMode   string `json:"payment_mode"`
	ActorID       string `json:"actor_id"`
	ActorRole     string `json:"actor_role"`
}

func NewTransactionTransitionedEvent(transactionID, from, to string, seq int, paymentMode, actorID, actorRole string, at time.Time) *TransactionTransitionedEvent {
	return &TransactionTransitionedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeTransactionTransitioned,
			Timestamp: at,
			Data: map[string]interface{}{
				"transaction_id": transactionID,
				"from":           from,
				"to":             to,
				"seq":            seq,
				"payment_mode":   paymentMode,
				"actor_id":       actorID,
				"actor_role":     actorRole,
			},
		},
		TransactionID: transactionID,
		From:          from,
		To:            to,
		Seq:           seq,
		PaymentMode:   paymentMode,
		ActorID:       actorID,
		ActorRole:     actorRole,
	}
}
