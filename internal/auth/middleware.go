package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

type Authenticator struct {
	validator TokenValidator
	logger    *slog.Logger
}

func NewAuthenticator(validator TokenValidator, logger *slog.Logger) *Authenticator {
	return &Authenticator{validator: validator, logger: logger}
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeAuthError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := a.validator.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.logger.WarnContext(r.Context(), "rejected bearer token", "error", err, "path", r.URL.Path)
			var appErr *internal.AppError
			if !errors.As(err, &appErr) {
				appErr = internal.ErrInvalidToken
			}
			writeAuthError(w, appErr)
			return
		}

		principal := claims.Principal()
		ctx := ContextWithPrincipal(r.Context(), principal)
		ctx = internal.ContextWithUserID(ctx, principal.UserID)
		ctx = logger.With(ctx, "user_id", principal.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission allows the request through only if the principal holds
// the permission.
func (a *Authenticator) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
				return
			}
			if !principal.HasPermission(permission) {
				a.logger.WarnContext(r.Context(), "access denied: insufficient permissions",
					"user_id", principal.UserID,
					"required_permission", permission,
					"user_permissions", principal.Permissions)
				writeAuthError(w, internal.ErrUnauthorizedAccess.WithMessage("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err *internal.AppError) {
	status, body := err.ToHTTPResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
