package reconcile

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/gateway"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/transport"
)

const maxWebhookBytes = 1 << 20

type AdapterSource interface {
	Get(id string) (gateway.Adapter, error)
}

type ReconcilerAPI interface {
	Resolve(ctx context.Context, gatewayID, transactionID, gatewayTransactionID string) (*transaction.Transaction, error)
	Apply(ctx context.Context, transactionID string, ns NativeStatus) (*transaction.Transaction, error)
}

type WebhookHandler struct {
	*transport.BaseHandler
	adapters   AdapterSource
	reconciler ReconcilerAPI
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, adapters AdapterSource, reconciler ReconcilerAPI) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		adapters:    adapters,
		reconciler:  reconciler,
	}
}

type WebhookResponse struct {
	Status            string             `json:"status"`
	Message           string             `json:"message"`
	TransactionStatus transaction.Status `json:"transaction_status,omitempty"`
}

// HandleWebhook verifies the raw body against the gateway's signature header
// before anything is parsed. Rejected signatures never reach the reconciler.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gateway")
	log := h.Logger.With("gateway", gatewayID)

	adapter, err := h.adapters.Get(gatewayID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.HandleError(w, internal.NewValidationError("could not read webhook body", internal.ErrCodeValidationFailed).WithCause(err))
		return
	}

	event, err := adapter.VerifyWebhook(payload, r.Header.Get(adapter.SignatureHeader()))
	if err != nil {
		if errors.Is(err, internal.ErrSignatureInvalid) {
			log.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr, "error", err)
		}
		h.HandleServiceError(w, err)
		return
	}

	log = log.With("event_id", event.EventID, "gateway_transaction_id", event.GatewayTransactionID, "gateway_status", event.Status)
	log.Info("webhook received")

	t, err := h.reconciler.Resolve(r.Context(), gatewayID, event.TransactionID, event.GatewayTransactionID)
	if err != nil {
		if errors.Is(err, internal.ErrTransactionNotFound) {
			// acknowledge so the gateway stops redelivering events we do not own
			log.Warn("webhook for unknown transaction")
			h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Message: "no matching transaction"})
			return
		}
		h.HandleServiceError(w, err)
		return
	}

	updated, err := h.reconciler.Apply(r.Context(), t.ID, NativeStatus{
		Gateway:              gatewayID,
		GatewayTransactionID: event.GatewayTransactionID,
		Status:               event.Status,
	})
	if err != nil {
		log.Error("webhook reconciliation failed", "transaction_id", t.ID, "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, WebhookResponse{
		Status:            "processed",
		Message:           "webhook processed",
		TransactionStatus: updated.Status,
	})
}
