// Package service wires the scheduling components behind one API used by the
// HTTP handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/agent"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/config"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/conflict"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/interpreter"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	natsclient "github.com/AllWorkNoPlay/CalendarAgents/internal/nats"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/orchestrator"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/recurrence"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// ErrLogUnavailable is returned by Log when no turn log is configured.
var ErrLogUnavailable = errors.New("turn log unavailable")

const publishTimeout = 5 * time.Second

// Publisher fans envelopes and turn results out to subscribers.
type Publisher interface {
	PublishEnvelope(env model.Envelope)
	PublishTurn(ctx context.Context, ev natsclient.TurnEvent) error
}

// TurnLog reads published turn results back.
type TurnLog interface {
	Turns(ctx context.Context, conversationID string, limit int) ([]natsclient.TurnEvent, error)
}

// Options configures a TurnService.
type Options struct {
	Provider             calendar.Provider
	Backend              interpreter.Backend
	Policy               *config.Policy
	InterpreterTimeout   time.Duration
	InterpreterRetryWait time.Duration
	SessionTTL           time.Duration
	// Publisher is optional.
	Publisher Publisher
	// Now overrides the clock used to resolve relative dates.
	Now func() time.Time
}

// TurnService runs conversation turns and publishes their results.
type TurnService struct {
	router    *mcp.Router
	orch      *orchestrator.Orchestrator
	interp    *interpreter.Interpreter
	provider  calendar.Provider
	publisher Publisher
	term      model.TimeRange
	loc       *time.Location
	ttl       time.Duration
	logger    *logger.Logger

	cron *cron.Cron
}

// New builds the router, registers the components and creates the
// orchestrator on top of them.
func New(opts Options, log *logger.Logger) (*TurnService, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("calendar provider is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("interpreter backend is required")
	}
	policy := opts.Policy
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	loc, err := policy.Location()
	if err != nil {
		return nil, err
	}
	term, err := policy.Term()
	if err != nil {
		return nil, err
	}

	router := mcp.NewRouter(log)
	if opts.Publisher != nil {
		router.Tap(opts.Publisher.PublishEnvelope)
	}

	interp := interpreter.New(opts.Backend, interpreter.Config{
		Threshold: policy.ConfidenceThreshold,
		Timeout:   opts.InterpreterTimeout,
		RetryWait: opts.InterpreterRetryWait,
	}, log)
	engine := conflict.New(conflict.Config{
		Term:       term,
		Compatible: policy.CompatiblePairs(),
		Step:       policy.RescheduleStep,
		Horizon:    policy.SearchHorizon,
	})

	for _, h := range []mcp.Handler{
		agent.NewInterpreterAgent(interp, log),
		agent.NewCalendarAgent(opts.Provider, loc, log),
		agent.NewConflictAgent(engine, term, loc),
	} {
		if err := router.Register(h); err != nil {
			return nil, err
		}
	}

	orch, err := orchestrator.New(router, orchestrator.NewSessionStore(0), orchestrator.Config{
		Term:      term,
		Location:  loc,
		Subjects:  policy.Subjects,
		Locations: policy.Locations,
		Now:       opts.Now,
	}, log)
	if err != nil {
		return nil, err
	}

	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &TurnService{
		router:    router,
		orch:      orch,
		interp:    interp,
		provider:  opts.Provider,
		publisher: opts.Publisher,
		term:      term,
		loc:       loc,
		ttl:       ttl,
		logger:    log.Named("service"),
	}, nil
}

// Term returns the scheduling window.
func (s *TurnService) Term() model.TimeRange {
	return s.term
}

// Location returns the scheduling time zone.
func (s *TurnService) Location() *time.Location {
	return s.loc
}

// Start opens a conversation.
func (s *TurnService) Start() model.SessionView {
	return s.orch.Start()
}

// View returns a conversation's state.
func (s *TurnService) View(conversationID string) (model.SessionView, bool) {
	return s.orch.View(conversationID)
}

// Submit handles free text.
func (s *TurnService) Submit(ctx context.Context, conversationID, text string) model.TurnResult {
	return s.publish(ctx, conversationID, "submit", s.orch.Submit(ctx, conversationID, text))
}

// Choose resolves pending conflicts.
func (s *TurnService) Choose(ctx context.Context, conversationID string, choices []model.Choice) model.TurnResult {
	return s.publish(ctx, conversationID, "choose", s.orch.Choose(ctx, conversationID, choices))
}

// Confirm accepts or rejects a pending change.
func (s *TurnService) Confirm(ctx context.Context, conversationID string, accept bool) model.TurnResult {
	return s.publish(ctx, conversationID, "confirm", s.orch.Confirm(ctx, conversationID, accept))
}

// Cancel discards pending work.
func (s *TurnService) Cancel(ctx context.Context, conversationID string) model.TurnResult {
	return s.publish(ctx, conversationID, "cancel", s.orch.Cancel(ctx, conversationID))
}

// publish sends res to the publisher. Failures are logged; the turn result
// is returned unchanged.
func (s *TurnService) publish(ctx context.Context, conversationID, op string, res model.TurnResult) model.TurnResult {
	if s.publisher == nil {
		return res
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := s.publisher.PublishTurn(ctx, natsclient.TurnEvent{
		ConversationID: conversationID,
		Operation:      op,
		Result:         res,
		At:             time.Now().UTC(),
	})
	if err != nil {
		s.logger.WithConversation(conversationID).Warn("failed to publish turn",
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	return res
}

// Log returns up to limit published turn results of a conversation.
func (s *TurnService) Log(ctx context.Context, conversationID string, limit int) ([]natsclient.TurnEvent, error) {
	tl, ok := s.publisher.(TurnLog)
	if !ok {
		return nil, ErrLogUnavailable
	}
	return tl.Turns(ctx, conversationID, limit)
}

// Agents lists the registered components.
func (s *TurnService) Agents() []mcp.AgentInfo {
	return s.router.Agents()
}

// Events lists events intersecting window. With expand set, recurring
// series are returned as individual occurrences.
func (s *TurnService) Events(ctx context.Context, window model.TimeRange, expand bool) ([]model.Event, error) {
	events, err := s.provider.ListEvents(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCalendarRead, err)
	}
	for i := range events {
		events[i].Start = events[i].Start.In(s.loc)
		events[i].End = events[i].End.In(s.loc)
	}
	if !expand {
		return events, nil
	}
	return recurrence.NewExpander(s.term).Expand(events, window)
}
