// Package mcp routes envelopes between the scheduling components.
package mcp

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

// Component names known to the router.
const (
	Orchestrator   = "orchestrator"
	Interpreter    = "interpreter"
	Calendar       = "calendar"
	ConflictEngine = "conflict_engine"
)

// Handler is a component reachable through the router. Handle never returns
// an error; failures come back as error envelopes.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env model.Envelope) model.Envelope
}

// Describer is implemented by handlers that advertise their capabilities.
type Describer interface {
	Version() string
	Capabilities() []string
}

// AgentInfo is the health view of one registered component.
type AgentInfo struct {
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Mailbox      bool      `json:"mailbox"`
	Processed    int64     `json:"processed"`
	Failed       int64     `json:"failed"`
	LastActive   time.Time `json:"last_active,omitempty"`
}

type laneKey struct {
	recipient    string
	conversation string
}

type stats struct {
	processed  int64
	failed     int64
	lastActive time.Time
}

// Router delivers envelopes into per-conversation lanes. Handlers are fixed at
// startup; mailboxes are lanes drained by an outside reader such as the
// orchestrator. Envelopes in a lane are delivered in send order.
type Router struct {
	logger *logger.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	mailboxes map[string]struct{}
	lanes     map[laneKey][]model.Envelope
	stats     map[string]*stats
	taps      []func(model.Envelope)
}

// NewRouter creates an empty router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		logger:    log.Named("router"),
		handlers:  make(map[string]Handler),
		mailboxes: make(map[string]struct{}),
		lanes:     make(map[laneKey][]model.Envelope),
		stats:     make(map[string]*stats),
	}
}

// Register adds a handler under its own name.
func (r *Router) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if err := r.checkFree(name); err != nil {
		return err
	}
	r.handlers[name] = h
	r.stats[name] = &stats{}
	return nil
}

// RegisterMailbox declares a recipient whose lanes are drained with Receive.
func (r *Router) RegisterMailbox(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFree(name); err != nil {
		return err
	}
	r.mailboxes[name] = struct{}{}
	return nil
}

func (r *Router) checkFree(name string) error {
	if name == "" {
		return fmt.Errorf("recipient name is required")
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("recipient %q already registered", name)
	}
	if _, ok := r.mailboxes[name]; ok {
		return fmt.Errorf("recipient %q already registered", name)
	}
	return nil
}

// Tap registers an observer called for every accepted envelope.
// Observers run synchronously after the envelope is queued.
func (r *Router) Tap(fn func(model.Envelope)) {
	r.mu.Lock()
	r.taps = append(r.taps, fn)
	r.mu.Unlock()
}

// Send validates env and queues it for its recipient. It never waits for a
// response.
func (r *Router) Send(env model.Envelope) error {
	if err := env.Validate(); err != nil {
		metrics.RouterErrorsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	r.mu.Lock()
	_, isHandler := r.handlers[env.Recipient]
	_, isMailbox := r.mailboxes[env.Recipient]
	if !isHandler && !isMailbox {
		r.mu.Unlock()
		metrics.RouterErrorsTotal.WithLabelValues("unknown_recipient").Inc()
		r.logger.WithEnvelope(env.MessageID, env.Sender, env.Recipient, env.CorrelationID).
			Warn("unknown recipient", zap.String("conversation_id", env.ConversationID))
		return fmt.Errorf("%w: %q", model.ErrUnknownRecipient, env.Recipient)
	}
	key := laneKey{recipient: env.Recipient, conversation: env.ConversationID}
	r.lanes[key] = append(r.lanes[key], env)
	taps := slices.Clone(r.taps)
	r.mu.Unlock()

	metrics.RouterMessagesTotal.WithLabelValues(env.Recipient, string(env.Kind), env.Payload.Action).Inc()
	r.logger.WithEnvelope(env.MessageID, env.Sender, env.Recipient, env.CorrelationID).
		Debug("envelope queued",
			zap.String("conversation_id", env.ConversationID),
			zap.String("action", env.Payload.Action),
			zap.String("kind", string(env.Kind)),
		)

	for _, tap := range taps {
		tap(env)
	}
	return nil
}

// Receive yields the envelopes queued for recipient in conversation. The
// sequence covers what was queued when iteration started, so it always ends;
// iterating again picks up anything sent since. Envelopes not consumed
// because the caller stopped early stay queued.
func (r *Router) Receive(recipient, conversationID string) iter.Seq[model.Envelope] {
	key := laneKey{recipient: recipient, conversation: conversationID}
	return func(yield func(model.Envelope) bool) {
		r.mu.Lock()
		n := len(r.lanes[key])
		r.mu.Unlock()

		for range n {
			env, ok := r.pop(key)
			if !ok || !yield(env) {
				return
			}
		}
	}
}

func (r *Router) pop(key laneKey) (model.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lane := r.lanes[key]
	if len(lane) == 0 {
		return model.Envelope{}, false
	}
	env := lane[0]
	if len(lane) == 1 {
		delete(r.lanes, key)
	} else {
		r.lanes[key] = lane[1:]
	}
	return env, true
}

// Pending returns the number of envelopes queued for recipient in conversation.
func (r *Router) Pending(recipient, conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes[laneKey{recipient: recipient, conversation: conversationID}])
}

// Pump delivers every envelope queued for a handler in conversation and
// queues the handlers' responses, until no handler lane has work left. It
// returns the number of envelopes handled.
func (r *Router) Pump(ctx context.Context, conversationID string) int {
	handled := 0
	for {
		progressed := false
		for _, h := range r.sortedHandlers() {
			for env := range r.Receive(h.Name(), conversationID) {
				progressed = true
				handled++
				resp, failed := r.dispatch(ctx, h, env)
				r.record(h.Name(), failed)
				if env.Kind == model.KindNotification {
					continue
				}
				if err := r.Send(resp); err != nil {
					r.logger.WithEnvelope(resp.MessageID, resp.Sender, resp.Recipient, resp.CorrelationID).
						Error("failed to queue response", zap.Error(err))
				}
			}
		}
		if !progressed || ctx.Err() != nil {
			return handled
		}
	}
}

func (r *Router) sortedHandlers() []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Handler) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

func (r *Router) dispatch(ctx context.Context, h Handler, env model.Envelope) (resp model.Envelope, failed bool) {
	ctx, span := otel.Tracer("mcp").Start(ctx, "mcp.dispatch")
	span.SetAttributes(
		attribute.String("mcp.recipient", env.Recipient),
		attribute.String("mcp.action", env.Payload.Action),
		attribute.String("mcp.conversation_id", env.ConversationID),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithEnvelope(env.MessageID, env.Sender, env.Recipient, env.CorrelationID).
				Error("handler panicked", zap.Any("panic", rec))
			resp = env.ReplyError(h.Name(), fmt.Errorf("%s panicked: %v", h.Name(), rec))
			failed = true
			span.SetStatus(codes.Error, "panic")
		}
	}()

	if ctx.Err() != nil {
		return env.ReplyError(h.Name(), ctx.Err()), true
	}

	resp = h.Handle(ctx, env)
	if resp.IsError() {
		span.SetStatus(codes.Error, resp.Err().Error())
		return resp, true
	}
	return resp, false
}

func (r *Router) record(name string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stats[name]
	st.processed++
	if failed {
		st.failed++
	}
	st.lastActive = time.Now().UTC()
}

// Agents returns the health view of every registered recipient, sorted by name.
func (r *Router) Agents() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentInfo, 0, len(r.handlers)+len(r.mailboxes))
	for name, h := range r.handlers {
		st := r.stats[name]
		info := AgentInfo{
			Name:       name,
			Processed:  st.processed,
			Failed:     st.failed,
			LastActive: st.lastActive,
		}
		if d, ok := h.(Describer); ok {
			info.Version = d.Version()
			info.Capabilities = d.Capabilities()
		}
		out = append(out, info)
	}
	for name := range r.mailboxes {
		out = append(out, AgentInfo{Name: name, Mailbox: true})
	}
	slices.SortFunc(out, func(a, b AgentInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
