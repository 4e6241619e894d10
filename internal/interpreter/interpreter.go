// Package interpreter turns free text into structured intents.
package interpreter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

// Defaults.
const (
	DefaultThreshold    = 0.6
	DefaultTimeout      = 30 * time.Second
	DefaultRetryWait    = 500 * time.Millisecond
	DefaultHistoryTurns = 6
)

// Request is what a backend receives.
type Request struct {
	Text    string
	Context model.TurnContext
}

// Response is what a backend returns before the contract rules are applied.
type Response struct {
	Action     model.Action      `json:"action"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
	Events     []model.Event     `json:"events"`
	TargetIDs  []string          `json:"target_ids"`
}

// Backend classifies text. Implementations may be nondeterministic; the
// Interpreter makes repeated calls within a conversation stable.
type Backend interface {
	Name() string
	Interpret(ctx context.Context, req Request) (Response, error)
}

// Config configures an Interpreter.
type Config struct {
	Threshold    float64
	Timeout      time.Duration
	RetryWait    time.Duration
	HistoryTurns int
}

func (c *Config) normalize() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryWait <= 0 {
		c.RetryWait = DefaultRetryWait
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
}

// Interpreter applies the confirmation rules on top of a backend and caches
// intents per conversation.
type Interpreter struct {
	backend Backend
	cfg     Config
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[string]map[string]model.Intent
}

// New creates an interpreter over backend.
func New(backend Backend, cfg Config, log *logger.Logger) *Interpreter {
	cfg.normalize()
	return &Interpreter{
		backend: backend,
		cfg:     cfg,
		logger:  log.Named("interpreter"),
		cache:   make(map[string]map[string]model.Intent),
	}
}

// Backend returns the name of the backend in use.
func (i *Interpreter) Backend() string {
	return i.backend.Name()
}

// Threshold returns the confidence below which confirmation is required.
func (i *Interpreter) Threshold() float64 {
	return i.cfg.Threshold
}

// NeedsConfirmation reports whether an intent must be confirmed by the user.
// Destructive actions always need confirmation, whatever the confidence.
func NeedsConfirmation(action model.Action, confidence, threshold float64) bool {
	return action.Destructive() || confidence < threshold
}

// Interpret classifies text. A failed backend call is retried once; the
// returned error is ErrInterpreterTimeout or ErrInterpreterUnavailable.
func (i *Interpreter) Interpret(ctx context.Context, text string, tc model.TurnContext) (model.Intent, error) {
	if len(tc.History) > i.cfg.HistoryTurns {
		tc.History = tc.History[len(tc.History)-i.cfg.HistoryTurns:]
	}

	key := cacheKey(text, tc)
	if intent, ok := i.cached(tc.ConversationID, key); ok {
		return intent, nil
	}

	log := i.logger.WithConversation(tc.ConversationID)

	var resp Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := i.call(ctx, Request{Text: text, Context: tc})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.cfg.RetryWait
	notify := func(err error, wait time.Duration) {
		log.Warn("interpreter call failed, retrying",
			zap.String("backend", i.backend.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx), notify); err != nil {
		log.Error("interpreter failed", zap.String("backend", i.backend.Name()), zap.Error(err))
		return model.Intent{}, err
	}

	intent := model.Intent{
		Text:              text,
		Action:            resp.Action,
		Entities:          resp.Entities,
		Confidence:        resp.Confidence,
		NeedsConfirmation: NeedsConfirmation(resp.Action, resp.Confidence, i.cfg.Threshold),
		Events:            resp.Events,
		TargetIDs:         resp.TargetIDs,
	}
	for n := range intent.Events {
		if intent.Events[n].Type == "" {
			intent.Events[n].Type = model.EventTypeOther
		}
	}

	i.store(tc.ConversationID, key, intent)
	log.Info("intent interpreted",
		zap.String("backend", i.backend.Name()),
		zap.String("action", string(intent.Action)),
		zap.Float64("confidence", intent.Confidence),
		zap.Bool("needs_confirmation", intent.NeedsConfirmation),
		zap.Int("events", len(intent.Events)),
	)
	return intent.Clone(), nil
}

func (i *Interpreter) call(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	resp, err := i.backend.Interpret(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %s after %s", model.ErrInterpreterTimeout, i.backend.Name(), i.cfg.Timeout)
		}
		if errors.Is(err, model.ErrInterpreterUnavailable) || errors.Is(err, model.ErrInterpreterTimeout) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %s: %v", model.ErrInterpreterUnavailable, i.backend.Name(), err)
	}
	if err := checkResponse(resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func checkResponse(resp Response) error {
	if !resp.Action.Valid() {
		return fmt.Errorf("%w: malformed response: unknown action %q", model.ErrInterpreterUnavailable, resp.Action)
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return fmt.Errorf("%w: malformed response: confidence %v outside [0,1]", model.ErrInterpreterUnavailable, resp.Confidence)
	}
	return nil
}

func (i *Interpreter) cached(conversationID, key string) (model.Intent, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	intent, ok := i.cache[conversationID][key]
	if !ok {
		return model.Intent{}, false
	}
	return intent.Clone(), true
}

func (i *Interpreter) store(conversationID, key string, intent model.Intent) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cache[conversationID] == nil {
		i.cache[conversationID] = make(map[string]model.Intent)
	}
	i.cache[conversationID][key] = intent.Clone()
}

// Forget drops the cached intents of a conversation.
func (i *Interpreter) Forget(conversationID string) {
	i.mu.Lock()
	delete(i.cache, conversationID)
	i.mu.Unlock()
}

func cacheKey(text string, tc model.TurnContext) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	ctxJSON, _ := json.Marshal(tc)
	h.Write(ctxJSON)
	return hex.EncodeToString(h.Sum(nil))
}
