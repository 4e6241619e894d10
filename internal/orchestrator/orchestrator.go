// Package orchestrator runs the per-conversation state machine that drives
// the interpreter, calendar and conflict components through the router.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

// DefaultHistoryTurns is how many turns a session remembers.
const DefaultHistoryTurns = 20

// Config configures an Orchestrator.
type Config struct {
	Term      model.TimeRange
	Location  *time.Location
	Subjects  []string
	Locations []string
	// Now is the clock; relative dates are resolved against its day.
	Now func() time.Time
}

func (c *Config) normalize() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Orchestrator sequences the components for every turn. All failures are
// reported in the returned TurnResult.
type Orchestrator struct {
	router   *mcp.Router
	sessions *SessionStore
	cfg      Config
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New creates an orchestrator and registers its mailbox on router.
func New(router *mcp.Router, sessions *SessionStore, cfg Config, log *logger.Logger) (*Orchestrator, error) {
	cfg.normalize()
	if err := router.RegisterMailbox(mcp.Orchestrator); err != nil {
		return nil, fmt.Errorf("failed to register orchestrator: %w", err)
	}
	return &Orchestrator{
		router:   router,
		sessions: sessions,
		cfg:      cfg,
		logger:   log.Named(mcp.Orchestrator),
		tracer:   otel.Tracer("orchestrator"),
	}, nil
}

// Start opens a new conversation.
func (o *Orchestrator) Start() model.SessionView {
	sess := o.sessions.Create()
	o.logger.WithConversation(sess.ID()).Info("conversation started")
	return sess.View()
}

// View returns the state of a conversation.
func (o *Orchestrator) View(conversationID string) (model.SessionView, bool) {
	sess, ok := o.sessions.Get(conversationID)
	if !ok {
		return model.SessionView{}, false
	}
	return sess.View(), true
}

// Submit handles free text from the user. While a confirmation is pending,
// yes/no answers confirm or reject; while conflicts are pending, an option
// name picks it for every conflict.
func (o *Orchestrator) Submit(ctx context.Context, conversationID, text string) model.TurnResult {
	return o.run(ctx, "submit", conversationID, func(ctx context.Context, s *Session) model.TurnResult {
		return o.submit(ctx, s, text)
	})
}

// Choose resolves pending conflicts. Conflicts left without a choice stay
// pending; once all are resolved the batch proceeds.
func (o *Orchestrator) Choose(ctx context.Context, conversationID string, choices []model.Choice) model.TurnResult {
	return o.run(ctx, "choose", conversationID, func(ctx context.Context, s *Session) model.TurnResult {
		return o.choose(ctx, s, choices)
	})
}

// Confirm accepts or rejects the pending change.
func (o *Orchestrator) Confirm(ctx context.Context, conversationID string, accept bool) model.TurnResult {
	return o.run(ctx, "confirm", conversationID, func(ctx context.Context, s *Session) model.TurnResult {
		return o.confirm(ctx, s, accept)
	})
}

// Cancel discards whatever the conversation has pending, including a turn
// still waiting on a component. A batch being applied cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID string) model.TurnResult {
	_, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	sess, ok := o.sessions.Get(conversationID)
	if !ok {
		return unknownConversation(conversationID)
	}
	log := o.logger.WithConversation(conversationID)

	sess.mu.Lock()
	stage := sess.stage
	switch stage {
	case model.StageApplying:
		sess.mu.Unlock()
		log.Warn("cancel rejected while applying")
		metrics.RecordTurn("cancel", "rejected", 0)
		return model.TurnResult{
			Message: "Your changes are being applied and can no longer be cancelled. Check the result in a moment.",
			Stage:   stage,
		}
	case model.StageIdle:
		sess.mu.Unlock()
		return model.TurnResult{Success: true, Message: "There is nothing to cancel.", Stage: stage}
	}
	sess.epoch++
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.resetLocked()
	sess.mu.Unlock()

	log.Info("conversation cancelled", zap.String("from", string(stage)))
	metrics.RecordTurn("cancel", "ok", 0)
	res := model.TurnResult{Success: true, Message: "Cancelled. Nothing was changed.", Stage: model.StageIdle}
	sess.addTurn(model.RoleAssistant, res.Message)
	return res
}

// Sweep discards conversations idle for longer than ttl and returns their ids.
func (o *Orchestrator) Sweep(ttl time.Duration) []string {
	ids := o.sessions.Sweep(time.Now().UTC().Add(-ttl))
	if len(ids) > 0 {
		o.logger.Info("expired conversations", zap.Int("count", len(ids)))
	}
	return ids
}

func (o *Orchestrator) run(ctx context.Context, op, conversationID string, fn func(context.Context, *Session) model.TurnResult) model.TurnResult {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator."+op,
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	sess, ok := o.sessions.Get(conversationID)
	if !ok {
		return unknownConversation(conversationID)
	}
	if err := sess.acquire(ctx); err != nil {
		metrics.RecordTurn(op, "busy", time.Since(start).Seconds())
		stage, _ := sess.state()
		return model.TurnResult{
			Message: "This conversation is still working on your previous message. Please retry in a moment.",
			Stage:   stage,
		}
	}
	defer sess.release()

	sess.rejected = false
	_, epoch := sess.state()
	res := fn(ctx, sess)
	stage, _ := sess.state()
	res.Stage = stage
	if res.PendingConflicts == nil {
		res.PendingConflicts = []model.Conflict{}
	}

	outcome := "ok"
	switch {
	case sess.rejected:
		outcome = "rejected"
	case !res.Success:
		outcome = "failed"
		span.SetStatus(codes.Error, res.Message)
	}
	// Cancel answers for a turn it interrupts.
	if !sess.rejected && !sess.cancelled(epoch) {
		sess.addTurn(model.RoleAssistant, res.Message)
	}
	span.SetAttributes(attribute.String("stage", string(stage)))
	metrics.RecordTurn(op, outcome, time.Since(start).Seconds())
	return res
}

func (o *Orchestrator) submit(ctx context.Context, s *Session, text string) model.TurnResult {
	text = strings.TrimSpace(text)
	stage, epoch := s.state()
	if text == "" {
		return o.reject(s, "Please type a request, for example \"add study group tomorrow 14:00-15:00\".")
	}

	switch stage {
	case model.StageAwaitingConfirmation:
		if accept, ok := parseAnswer(text); ok {
			s.addTurn(model.RoleUser, text)
			return o.confirm(ctx, s, accept)
		}
		return o.reject(s, "A change is waiting for your confirmation. Answer yes or no, or cancel.")
	case model.StageAwaitingConflictChoice:
		if action, ok := parseResolution(text); ok {
			s.addTurn(model.RoleUser, text)
			return o.choose(ctx, s, []model.Choice{{Option: action}})
		}
		return o.reject(s, "Choose a conflict option first: "+optionList()+", or cancel.")
	case model.StageIdle:
	default:
		return o.reject(s, "Your previous request is still being processed. Please retry in a moment.")
	}

	history := s.historyCopy()
	s.addTurn(model.RoleUser, text)

	turnCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()
	if !s.advance(epoch, model.StageAwaitingInterpretation) {
		return cancelledResult()
	}

	intent, err := o.interpret(turnCtx, s, text, history)
	if err != nil {
		return o.fail(s, epoch, err)
	}
	s.setIntent(intent)

	o.logger.WithConversation(s.id).Info("intent received",
		zap.String("action", string(intent.Action)),
		zap.Float64("confidence", intent.Confidence),
		zap.Bool("needs_confirmation", intent.NeedsConfirmation),
	)

	switch intent.Action {
	case model.ActionQuery:
		return o.query(turnCtx, s, epoch, intent)
	case model.ActionCreate, model.ActionUpdate:
		return o.plan(turnCtx, s, epoch, intent)
	default:
		return o.planRemoval(turnCtx, s, epoch, intent)
	}
}

func (o *Orchestrator) choose(ctx context.Context, s *Session, choices []model.Choice) model.TurnResult {
	stage, epoch := s.state()
	if stage != model.StageAwaitingConflictChoice {
		return o.outOfOrder(s, "choice", stage)
	}
	if err := s.recordChoices(choices); err != nil {
		return o.reject(s, fmt.Sprintf("That choice cannot be used: %v. Choose one of the listed options.", err))
	}

	if remaining := s.pendingConflicts(); len(remaining) > 0 {
		return model.TurnResult{
			Success:          true,
			Message:          fmt.Sprintf("Noted. %d conflict(s) still need a choice.", len(remaining)),
			PendingConflicts: remaining,
			RequiresChoice:   true,
		}
	}

	intent, p := s.pending()
	resolved := resolve(p)
	s.setPlan(&plan{batch: resolved, snapshot: p.snapshot, replaces: p.replaces})

	if resolved.Empty() {
		s.reset(epoch)
		return model.TurnResult{Success: true, Message: "Nothing to change. Your calendar was left as it was."}
	}
	if intent != nil && intent.NeedsConfirmation {
		if !s.advance(epoch, model.StageAwaitingConfirmation) {
			return cancelledResult()
		}
		return model.TurnResult{
			Success:              true,
			Message:              describeBatch(resolved) + " Confirm?",
			RequiresConfirmation: true,
		}
	}
	return o.apply(ctx, s, epoch)
}

func (o *Orchestrator) confirm(ctx context.Context, s *Session, accept bool) model.TurnResult {
	stage, epoch := s.state()
	if stage != model.StageAwaitingConfirmation {
		return o.outOfOrder(s, "confirmation", stage)
	}
	if !accept {
		s.reset(epoch)
		o.logger.WithConversation(s.id).Info("change rejected by user")
		return model.TurnResult{Success: true, Message: "Discarded. Nothing was changed."}
	}
	return o.apply(ctx, s, epoch)
}

// reject refuses input without touching the session.
func (o *Orchestrator) reject(s *Session, message string) model.TurnResult {
	s.rejected = true
	return model.TurnResult{
		Message:          message,
		PendingConflicts: s.pendingConflicts(),
		RequiresChoice:   stageIs(s, model.StageAwaitingConflictChoice),
	}
}

func (o *Orchestrator) outOfOrder(s *Session, what string, stage model.Stage) model.TurnResult {
	err := fmt.Errorf("%w: %s received in stage %s", model.ErrProtocol, what, stage)
	o.logger.WithConversation(s.id).Warn("out of order input rejected", zap.Error(err))
	metrics.RouterErrorsTotal.WithLabelValues("out_of_order").Inc()

	msg := "There is nothing waiting for a " + what + "."
	switch stage {
	case model.StageAwaitingConflictChoice:
		msg += " Choose a conflict option first: " + optionList() + "."
	case model.StageAwaitingConfirmation:
		msg += " A change is waiting for your confirmation."
	case model.StageIdle:
		msg += " Send a new request instead."
	}
	return o.reject(s, msg)
}

// fail reports err to the user and resets the session through the error
// stage.
func (o *Orchestrator) fail(s *Session, epoch uint64, err error) model.TurnResult {
	if s.cancelled(epoch) {
		return cancelledResult()
	}
	log := o.logger.WithConversation(s.id)
	if errors.Is(err, model.ErrValidation) {
		log.Info("turn rejected", zap.Error(err))
	} else {
		log.Error("turn failed", zap.Error(err))
	}

	if !s.advance(epoch, model.StageError) {
		return cancelledResult()
	}
	s.reset(epoch)
	return model.TurnResult{Message: userMessage(err)}
}

func stageIs(s *Session, stage model.Stage) bool {
	cur, _ := s.state()
	return cur == stage
}

func unknownConversation(id string) model.TurnResult {
	return model.TurnResult{
		Message: fmt.Sprintf("Conversation %q does not exist. Start a new conversation.", id),
		Stage:   model.StageIdle,
	}
}

func cancelledResult() model.TurnResult {
	return model.TurnResult{Message: "Cancelled. Nothing was changed."}
}
