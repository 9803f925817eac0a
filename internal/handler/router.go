package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// RouterConfig holds the API settings of the router.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// Handlers are the endpoint groups mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Webhook       *WebhookHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Admin         *AdminHandler
}

// NewRouter builds the HTTP routes. The webhook is unauthenticated and never
// rate limited; the provider must always get its acknowledgement.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook", h.Webhook.Receive)
	r.Post("/webhook/{instance}", h.Webhook.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/events", h.Stream.TenantEvents)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Get("/messages", h.Messages.List)
				r.Post("/messages", h.Messages.Send)
				r.Get("/events", h.Stream.ConversationEvents)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Post("/tenant-cache/clear", h.Admin.ClearTenantCache)
			r.Post("/flow/sweep", h.Admin.SweepFlowTimeouts)
		})
	})

	return r
}
