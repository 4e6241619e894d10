package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// CalendarAgent exposes a calendar provider on the router. Batches are
// applied one at a time across all conversations.
type CalendarAgent struct {
	provider calendar.Provider
	loc      *time.Location
	logger   *logger.Logger

	applyMu sync.Mutex
}

// NewCalendarAgent creates the calendar component. Events written through it
// are placed in loc.
func NewCalendarAgent(p calendar.Provider, loc *time.Location, log *logger.Logger) *CalendarAgent {
	return &CalendarAgent{provider: p, loc: loc, logger: log.Named(mcp.Calendar)}
}

// Name returns the router name.
func (a *CalendarAgent) Name() string { return mcp.Calendar }

// Version returns the component version.
func (a *CalendarAgent) Version() string { return Version }

// Capabilities lists the handled actions.
func (a *CalendarAgent) Capabilities() []string {
	return []string{ActionListEvents, ActionApplyBatch, "provider:" + a.provider.Name()}
}

// Handle serves list_events and apply_batch requests.
func (a *CalendarAgent) Handle(ctx context.Context, env model.Envelope) model.Envelope {
	switch env.Payload.Action {
	case ActionListEvents:
		var req ListEventsRequest
		if err := env.Payload.Decode(&req); err != nil {
			return env.ReplyError(a.Name(), err)
		}
		events, err := a.provider.ListEvents(ctx, req.Window)
		if err != nil {
			a.logger.WithConversation(env.ConversationID).Error("list events failed", zap.Error(err))
			return env.ReplyError(a.Name(), fmt.Errorf("%w: %v", model.ErrCalendarRead, err))
		}
		return reply(a.Name(), env, ActionEvents, EventsResponse{Events: events})

	case ActionApplyBatch:
		var batch model.Batch
		if err := env.Payload.Decode(&batch); err != nil {
			return env.ReplyError(a.Name(), err)
		}
		localize(batch.Creates, a.loc)
		localize(batch.Deletes, a.loc)

		a.applyMu.Lock()
		defer a.applyMu.Unlock()

		res, err := calendar.ApplyBatch(ctx, a.provider, batch, a.logger.WithConversation(env.ConversationID))
		if err != nil {
			return env.ReplyError(a.Name(), err)
		}
		return reply(a.Name(), env, ActionBatchApplied, res)

	default:
		return unsupported(a.Name(), env)
	}
}
