package checkout

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/transport"
)

type ServiceAPI interface {
	Initiate(ctx context.Context, d Draft) (*Result, error)
	ConfirmSession(ctx context.Context, id string, caller transaction.Caller) (*transaction.Transaction, error)
	Gateways(currency string, q *Quote) ([]GatewayQuote, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (transaction.Caller, bool) {
	caller, ok := transaction.CallerFromRequest(r)
	if !ok {
		h.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
	}
	return caller, ok
}

// CreateTransaction answers 201 for a new checkout and 200 when the
// idempotency key matched an earlier one.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CreateTransactionRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}
	if appErr := req.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	result, err := h.Service.Initiate(r.Context(), req.Draft(caller.UserID))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, result.ToResponse())
}

func (h *Handler) ConfirmSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	t, err := h.Service.ConfirmSession(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) ListGateways(w http.ResponseWriter, r *http.Request) {
	quote, appErr := quoteFromQuery(r.URL.Query())
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	gateways, err := h.Service.Gateways(r.URL.Query().Get("currency"), quote)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	if gateways == nil {
		gateways = []GatewayQuote{}
	}
	h.WriteJSON(w, http.StatusOK, GatewayListResponse{Gateways: gateways})
}
