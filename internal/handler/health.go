package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	natsclient "github.com/AllWorkNoPlay/CalendarAgents/internal/nats"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/service"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	service    *service.TurnService
	provider   calendar.Provider
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. natsClient is nil when
// notifications are disabled.
func NewHealthHandler(svc *service.TurnService, provider calendar.Provider, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		service:    svc,
		provider:   provider,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if p, ok := h.provider.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "calendar store unreachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"provider": h.provider.Name(),
		"agents":   h.service.Agents(),
	})
}

// Agents handles GET /api/v1/agents
func (h *HealthHandler) Agents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": h.service.Agents(),
	})
}
