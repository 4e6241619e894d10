// Package agent implements the components reachable through the router.
package agent

import (
	"fmt"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// Version is reported by every component.
const Version = "1.0.0"

// Request and response actions.
const (
	ActionInterpret    = "interpret"
	ActionIntent       = "intent"
	ActionListEvents   = "list_events"
	ActionEvents       = "events"
	ActionApplyBatch   = "apply_batch"
	ActionBatchApplied = "batch_applied"
	ActionEvaluate     = "evaluate"
	ActionConflicts    = "conflicts"
)

// InterpretRequest is the data of an interpret request.
type InterpretRequest struct {
	Text    string            `json:"text"`
	Context model.TurnContext `json:"context"`
}

// ListEventsRequest is the data of a list_events request.
type ListEventsRequest struct {
	Window model.TimeRange `json:"window"`
}

// EventsResponse is the data of an events response.
type EventsResponse struct {
	Events []model.Event `json:"events"`
}

// EvaluateRequest is the data of an evaluate request.
type EvaluateRequest struct {
	Candidates []model.Event `json:"candidates"`
	Snapshot   []model.Event `json:"snapshot"`
}

// ConflictsResponse is the data of a conflicts response.
type ConflictsResponse struct {
	Conflicts []model.Conflict `json:"conflicts"`
}

// reply answers env with data, or with an error envelope if data cannot be
// encoded.
func reply(name string, env model.Envelope, action string, data any) model.Envelope {
	resp, err := env.Reply(name, action, data)
	if err != nil {
		return env.ReplyError(name, fmt.Errorf("encode %s: %w", action, err))
	}
	return resp
}

func unsupported(name string, env model.Envelope) model.Envelope {
	return env.ReplyError(name, fmt.Errorf("%w: %s does not handle %q", model.ErrProtocol, name, env.Payload.Action))
}

// localize moves events into loc. JSON keeps only the offset of an instant,
// and weekly series must repeat on local wall-clock time across DST changes.
func localize(events []model.Event, loc *time.Location) {
	if loc == nil {
		return
	}
	for i := range events {
		events[i].Start = events[i].Start.In(loc)
		events[i].End = events[i].End.In(loc)
	}
}
