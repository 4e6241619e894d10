package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

// plan is the pending change of a conversation.
type plan struct {
	batch model.Batch
	// snapshot is the calendar as evaluated, without the batch deletes.
	snapshot []model.Event
	// replaces maps a candidate id to the id of the event it updates.
	replaces  map[string]string
	conflicts []model.Conflict
	choices   map[string]model.ResolutionAction
}

// Session is the state of one conversation. Turns hold the turn slot for
// their whole duration; Cancel and View only take mu.
type Session struct {
	id        string
	createdAt time.Time
	turn      chan struct{}
	// rejected marks the running turn as refused; guarded by the turn slot.
	rejected bool

	mu        sync.Mutex
	stage     model.Stage
	epoch     uint64
	history   []model.Turn
	maxTurns  int
	intent    *model.Intent
	plan      *plan
	cancel    context.CancelFunc
	updatedAt time.Time
}

func newSession(id string, maxTurns int, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		updatedAt: now,
		turn:      make(chan struct{}, 1),
		stage:     model.StageIdle,
		maxTurns:  maxTurns,
	}
}

// ID returns the conversation id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", model.ErrSessionBusy, ctx.Err())
	}
}

func (s *Session) tryAcquire() bool {
	select {
	case s.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() {
	<-s.turn
}

// state returns the stage and the cancel epoch a turn runs under.
func (s *Session) state() (model.Stage, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, s.epoch
}

// advance moves to stage unless the conversation was cancelled since epoch.
func (s *Session) advance(epoch uint64, to model.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.setStageLocked(to)
	return true
}

func (s *Session) setStageLocked(to model.Stage) {
	if s.stage != to {
		metrics.RecordTransition(string(s.stage), string(to))
	}
	s.stage = to
	s.updatedAt = time.Now().UTC()
}

// reset discards pending work and returns to idle unless the conversation was
// cancelled since epoch, in which case Cancel already did so.
func (s *Session) reset(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.intent = nil
	s.plan = nil
	s.setStageLocked(model.StageIdle)
}

func (s *Session) cancelled(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *Session) addTurn(role model.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, model.Turn{Role: role, Text: text, At: time.Now().UTC()})
	if len(s.history) > s.maxTurns {
		s.history = slices.Clone(s.history[len(s.history)-s.maxTurns:])
	}
	s.updatedAt = time.Now().UTC()
}

func (s *Session) historyCopy() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *Session) setIntent(intent model.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = &intent
}

func (s *Session) setPlan(p *plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

// pending returns the current intent and plan. Both are replaced, never
// modified in place, so callers may read them without the lock.
func (s *Session) pending() (*model.Intent, *plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent, s.plan
}

func (s *Session) pendingConflicts() []model.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unresolvedLocked()
}

func (s *Session) unresolvedLocked() []model.Conflict {
	if s.plan == nil {
		return nil
	}
	out := make([]model.Conflict, 0, len(s.plan.conflicts))
	for _, c := range s.plan.conflicts {
		if _, ok := s.plan.choices[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// View returns a snapshot of the session.
func (s *Session) View() model.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := model.SessionView{
		ConversationID:   s.id,
		Stage:            s.stage,
		History:          slices.Clone(s.history),
		PendingConflicts: s.unresolvedLocked(),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
	if s.intent != nil {
		intent := s.intent.Clone()
		view.PendingIntent = &intent
	}
	return view
}

// SessionStore holds the live sessions keyed by conversation id.
type SessionStore struct {
	maxTurns int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store keeping at most maxTurns history
// entries per session.
func NewSessionStore(maxTurns int) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	return &SessionStore{
		maxTurns: maxTurns,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session.
func (s *SessionStore) Create() *Session {
	sess := newSession(uuid.Must(uuid.NewV7()).String(), s.maxTurns, time.Now().UTC())

	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	return sess
}

// Get retrieves a session by conversation id.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep discards sessions untouched since cutoff. Sessions with a turn in
// progress are kept. It returns the discarded conversation ids.
func (s *SessionStore) Sweep(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		stale := sess.updatedAt.Before(cutoff)
		sess.mu.Unlock()
		if !stale || !sess.tryAcquire() {
			continue
		}
		delete(s.sessions, id)
		sess.release()
		removed = append(removed, id)
	}
	slices.Sort(removed)
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return removed
}
