package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

const maxBodyBytes = 1 << 20

// BaseHandler provides common functionality for HTTP handlers
type BaseHandler struct {
	Logger *slog.Logger
}

// NewBaseHandler creates a base handler with logger
func NewBaseHandler(lg *slog.Logger) *BaseHandler {
	if lg == nil {
		lg = logger.LoggerWrapper()
		if lg == nil {
			lg = slog.Default()
		}
	}
	return &BaseHandler{Logger: lg}
}

// WriteJSON writes a JSON response
func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError writes an error response
func (h *BaseHandler) WriteError(w http.ResponseWriter, status int, message string) {
	h.Logger.Error("http error", "status", status, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errorResp := map[string]interface{}{
		"code":    status,
		"message": message,
	}

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		h.Logger.Error("failed to encode error response", "error", err)
	}
}

// HandleError writes an AppError as JSON with its status code.
func (h *BaseHandler) HandleError(w http.ResponseWriter, appErr *internal.AppError) {
	status, body := appErr.ToHTTPResponse()
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "status", status, "code", appErr.Code, "error", appErr.GetDetailedMessage())
	} else {
		h.Logger.Info("request rejected", "status", status, "code", appErr.Code, "message", appErr.Message)
	}
	h.WriteJSON(w, status, body)
}

// HandleServiceError maps an error returned by a service to a response.
// Anything that is not an AppError is reported as a 500 without details.
func (h *BaseHandler) HandleServiceError(w http.ResponseWriter, err error) {
	if appErr, ok := internal.IsAppError(err); ok {
		h.HandleError(w, appErr)
		return
	}
	h.Logger.Error("unexpected service error", "error", err)
	h.HandleError(w, internal.NewInternalError("internal server error", err))
}

// DecodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func (h *BaseHandler) DecodeJSON(r *http.Request, dst interface{}) *internal.AppError {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return internal.NewValidationError("request body is required", internal.ErrCodeValidationFailed)
		}
		return internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed).WithCause(err)
	}
	return nil
}
