// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/middleware"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/service"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// TurnRequest is the body of POST /conversations/{id}/turns. Exactly one
// field must be set.
type TurnRequest struct {
	Text    *string                           `json:"text,omitempty"`
	Choice  *model.Choice                     `json:"choice,omitempty"`
	Choices map[string]model.ResolutionAction `json:"choices,omitempty"`
	Confirm *bool                             `json:"confirm,omitempty"`
}

func (r TurnRequest) fields() int {
	n := 0
	if r.Text != nil {
		n++
	}
	if r.Choice != nil {
		n++
	}
	if r.Choices != nil {
		n++
	}
	if r.Confirm != nil {
		n++
	}
	return n
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.TurnService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.TurnService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	view := h.service.Start()
	writeJSON(w, http.StatusCreated, view)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	view, _ := h.service.View(id)
	writeJSON(w, http.StatusOK, view)
}

// Turn handles POST /api/v1/conversations/{id}/turns
func (h *ConversationHandler) Turn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.fields() != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of text, choice, choices or confirm is required")
		return
	}

	ctx := r.Context()
	var res model.TurnResult
	switch {
	case req.Text != nil:
		if err := middleware.ValidateTurnText(*req.Text); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res = h.service.Submit(ctx, id, *req.Text)
	case req.Confirm != nil:
		res = h.service.Confirm(ctx, id, *req.Confirm)
	default:
		choices, err := req.choices()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res = h.service.Choose(ctx, id, choices)
	}

	writeJSON(w, http.StatusOK, res)
}

func (r TurnRequest) choices() ([]model.Choice, error) {
	var out []model.Choice
	if r.Choice != nil {
		out = append(out, *r.Choice)
	}
	for conflictID, option := range r.Choices {
		out = append(out, model.Choice{ConflictID: conflictID, Option: option})
	}
	if len(out) == 0 {
		return nil, errors.New("at least one choice is required")
	}
	for _, c := range out {
		if err := middleware.ValidateOption(c.Option); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Cancel handles POST /api/v1/conversations/{id}/cancel
func (h *ConversationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.service.Cancel(r.Context(), id))
}

// Log handles GET /api/v1/conversations/{id}/log
func (h *ConversationHandler) Log(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultLogLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLogLimit {
			limit = parsed
		}
	}

	turns, err := h.service.Log(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, service.ErrLogUnavailable) {
			writeError(w, http.StatusNotFound, "turn log is not enabled")
			return
		}
		h.logger.Error("failed to read turn log", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read turn log")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	})
}

// conversationID validates the {id} parameter and checks the conversation
// exists, writing the error response when it does not.
func (h *ConversationHandler) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if _, ok := h.service.View(id); !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return "", false
	}
	return id, true
}
