package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/service"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// EventsHandler serves the calendar contents.
type EventsHandler struct {
	service *service.TurnService
	logger  *logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(svc *service.TurnService, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/events?from=&to=&expand=
// from and to accept RFC 3339 instants or dates; they default to the term.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	window, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expand, _ := strconv.ParseBool(r.URL.Query().Get("expand"))

	events, err := h.service.Events(r.Context(), window, expand)
	if err != nil {
		h.logger.Error("failed to list events", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read calendar")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window": window,
		"events": events,
	})
}

// ICS handles GET /api/v1/calendar.ics
func (h *EventsHandler) ICS(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), h.service.Term(), false)
	if err != nil {
		h.logger.Error("failed to export calendar", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to read calendar")
		return
	}

	var buf bytes.Buffer
	if err := calendar.ExportICS(&buf, "Schedule", events); err != nil {
		h.logger.Error("failed to encode calendar", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="schedule.ics"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *EventsHandler) window(r *http.Request) (model.TimeRange, error) {
	window := h.service.Term()
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := parseInstant(v, h.service.Location())
		if err != nil {
			return model.TimeRange{}, fmt.Errorf("invalid from: %w", err)
		}
		window.Start = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseInstant(v, h.service.Location())
		if err != nil {
			return model.TimeRange{}, fmt.Errorf("invalid to: %w", err)
		}
		window.End = t
	}
	if !window.End.After(window.Start) {
		return model.TimeRange{}, fmt.Errorf("to must be after from")
	}
	return window, nil
}

func parseInstant(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, loc)
}
