package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/middleware"
	natsclient "github.com/AllWorkNoPlay/CalendarAgents/internal/nats"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/service"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Service    *service.TurnService
	Provider   calendar.Provider
	NATSClient *natsclient.Client
	Logger     *logger.Logger

	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.Service, cfg.Provider, cfg.NATSClient)
	conversationHandler := NewConversationHandler(cfg.Service, cfg.Logger)
	eventsHandler := NewEventsHandler(cfg.Service, cfg.Logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(middleware.CORS(cfg.CORSOrigins))
	}

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/agents", healthHandler.Agents)
		r.Get("/events", eventsHandler.List)
		r.Get("/calendar.ics", eventsHandler.ICS)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/log", conversationHandler.Log)
				r.With(middleware.ConversationRateLimit(30, time.Minute)).Post("/turns", conversationHandler.Turn)
				r.Post("/cancel", conversationHandler.Cancel)
			})
		})
	})

	return r
}
