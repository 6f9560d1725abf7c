package transaction

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/auth"
	"github.com/frahmantamala/marketplace-payment/internal/transport"
)

type ServiceAPI interface {
	GetForCaller(ctx context.Context, id string, caller Caller) (*Transaction, error)
	Act(ctx context.Context, id string, caller Caller, target Status, meta Metadata) (*Transaction, error)
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

// CallerFromRequest reads the authenticated principal.
func CallerFromRequest(r *http.Request) (Caller, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return Caller{}, false
	}
	return Caller{UserID: principal.UserID, Admin: principal.IsAdmin()}, true
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, ok := CallerFromRequest(r)
	if !ok {
		h.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
	}
	return caller, ok
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	t, err := h.Service.GetForCaller(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, t.ToResponse())
}

func (h *Handler) Ship(w http.ResponseWriter, r *http.Request) {
	var req ShipRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if appErr := req.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.act(w, r, StatusShipped, req.Metadata())
}

func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	req, ok := h.optionalNote(w, r)
	if !ok {
		return
	}
	h.act(w, r, StatusDelivered, Metadata{Note: req.Note})
}

func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if appErr := req.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.act(w, r, StatusDisputed, Metadata{DisputeReason: req.Reason, DisputeDescription: req.Description})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.optionalNote(w, r)
	if !ok {
		return
	}
	h.act(w, r, StatusCancelled, Metadata{Note: req.Note})
}

// Resolve records an arbitration outcome on a disputed transaction. The
// route is restricted to admins.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if appErr := req.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.act(w, r, req.Target(), Metadata{Resolution: req.Resolution})
}

func (h *Handler) optionalNote(w http.ResponseWriter, r *http.Request) (NoteRequest, bool) {
	var req NoteRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return req, false
	}
	if appErr := req.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return req, false
	}
	return req, true
}

func (h *Handler) act(w http.ResponseWriter, r *http.Request, target Status, meta Metadata) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	t, err := h.Service.Act(r.Context(), chi.URLParam(r, "id"), caller, target, meta)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, t.ToResponse())
}
