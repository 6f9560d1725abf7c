package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/marketplace-payment/internal/auth"
	"github.com/frahmantamala/marketplace-payment/internal/checkout"
	"github.com/frahmantamala/marketplace-payment/internal/reconcile"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/transport/middleware"
	"github.com/frahmantamala/marketplace-payment/internal/transport/swagger"
)

// Handlers are the route targets. A nil handler leaves its routes unmounted.
type Handlers struct {
	Health        *HealthHandler
	Checkout      *checkout.Handler
	Transactions  *transaction.Handler
	Webhooks      *reconcile.WebhookHandler
	Authenticator *auth.Authenticator
}

type RouterOptions struct {
	AllowedOrigins  string
	OpenAPISpecPath string
	// Validator checks requests against the OpenAPI document. Nil disables
	// validation.
	Validator func(http.Handler) http.Handler
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, opts RouterOptions, logger *slog.Logger) {
	if h.Health == nil {
		h.Health = NewHealthHandler(nil)
	}

	router.Use(middleware.CORS(opts.AllowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	specPath := opts.OpenAPISpecPath
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, specPath)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health.healthCheckHandler)
		r.Get("/ping", h.Health.pingHandler)

		r.Group(func(api chi.Router) {
			if opts.Validator != nil {
				api.Use(opts.Validator)
			}

			// Gateways authenticate webhooks by signature.
			if h.Webhooks != nil {
				api.Post("/webhooks/{gateway}", h.Webhooks.HandleWebhook)
			}
			if h.Checkout != nil {
				api.Get("/gateways", h.Checkout.ListGateways)
			}

			if h.Authenticator == nil {
				return
			}
			api.Group(func(pr chi.Router) {
				pr.Use(h.Authenticator.Middleware)

				pr.Route("/transactions", func(tr chi.Router) {
					if h.Checkout != nil {
						tr.Post("/", h.Checkout.CreateTransaction)
						tr.Post("/{id}/confirm-session", h.Checkout.ConfirmSession)
					}
					if h.Transactions == nil {
						return
					}
					tr.Get("/{id}", h.Transactions.GetTransaction)
					tr.Post("/{id}/ship", h.Transactions.Ship)
					tr.Post("/{id}/confirm-delivery", h.Transactions.ConfirmDelivery)
					tr.Post("/{id}/dispute", h.Transactions.Dispute)
					tr.Post("/{id}/cancel", h.Transactions.Cancel)

					tr.Group(func(ar chi.Router) {
						ar.Use(h.Authenticator.RequirePermission(auth.PermissionAdmin))
						ar.Post("/{id}/resolve", h.Transactions.Resolve)
					})
				})
			})
		})
	})
}
