package middleware

import (
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID reuses the id chi assigned, or the caller's header, and puts it
// on the request logger and the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := internal.ContextWithRequestID(r.Context(), requestID)
		ctx = logger.With(ctx, "request_id", requestID)

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
