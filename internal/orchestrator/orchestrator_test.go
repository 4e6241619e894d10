package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/agent"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/conflict"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/interpreter"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/mcp"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

var term = model.TimeRange{
	Start: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
}

// at returns a time on Monday 8 Sep 2025 plus dayOffset days.
func at(dayOffset, hh, mm int) time.Time {
	return time.Date(2025, 9, 8+dayOffset, hh, mm, 0, 0, time.UTC)
}

func mathClass() model.Event {
	return model.Event{
		ID:      "math",
		Title:   "Math 101",
		Start:   at(0, 9, 0),
		End:     at(0, 10, 0),
		Subject: "MATH101",
		Type:    model.EventTypeClass,
	}
}

// scriptBackend answers by input text.
type scriptBackend struct {
	mu      sync.Mutex
	replies map[string]interpreter.Response
	block   bool
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) Interpret(ctx context.Context, req interpreter.Request) (interpreter.Response, error) {
	b.mu.Lock()
	resp, ok := b.replies[req.Text]
	block := b.block
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return interpreter.Response{}, ctx.Err()
	}
	if !ok {
		return interpreter.Response{}, errors.New("no scripted reply")
	}
	return resp, nil
}

func (b *scriptBackend) on(text string, resp interpreter.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replies == nil {
		b.replies = make(map[string]interpreter.Response)
	}
	b.replies[text] = resp
}

// gatedProvider can fail the n-th create and hold writes until released.
type gatedProvider struct {
	*calendar.MemoryProvider
	failCreateAt int32
	creates      atomic.Int32
	gate         chan struct{}
}

func (p *gatedProvider) CreateEvents(ctx context.Context, events []model.Event) []calendar.CreateResult {
	if p.gate != nil {
		<-p.gate
	}
	out := make([]calendar.CreateResult, 0, len(events))
	failed := false
	for _, e := range events {
		if failed {
			out = append(out, calendar.CreateResult{Event: e, Err: calendar.ErrSkipped})
			continue
		}
		if p.creates.Add(1) == p.failCreateAt {
			failed = true
			out = append(out, calendar.CreateResult{Event: e, Err: errors.New("backend rejected write")})
			continue
		}
		out = append(out, p.MemoryProvider.CreateEvents(ctx, []model.Event{e})...)
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	router  *mcp.Router
	backend *scriptBackend
	cal     *gatedProvider

	mu   sync.Mutex
	sent []model.Envelope
}

func newHarness(t *testing.T, seed ...model.Event) *harness {
	t.Helper()
	h := &harness{
		backend: &scriptBackend{},
		cal:     &gatedProvider{MemoryProvider: calendar.NewMemoryProvider(seed...)},
	}
	log := logger.NewNop()

	h.router = mcp.NewRouter(log)
	h.router.Tap(func(env model.Envelope) {
		h.mu.Lock()
		h.sent = append(h.sent, env)
		h.mu.Unlock()
	})

	interp := interpreter.New(h.backend, interpreter.Config{RetryWait: time.Millisecond}, log)
	require.NoError(t, h.router.Register(agent.NewInterpreterAgent(interp, log)))
	require.NoError(t, h.router.Register(agent.NewCalendarAgent(h.cal, time.UTC, log)))
	require.NoError(t, h.router.Register(agent.NewConflictAgent(conflict.New(conflict.Config{Term: term}), term, time.UTC)))

	orch, err := New(h.router, NewSessionStore(0), Config{
		Term:     term,
		Location: time.UTC,
		Subjects: []string{"MATH101"},
		Now:      func() time.Time { return at(0, 8, 0) },
	}, log)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) sentTo(recipient string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.sent {
		if env.Recipient == recipient {
			n++
		}
	}
	return n
}

func (h *harness) events(t *testing.T) []model.Event {
	t.Helper()
	events, err := h.cal.ListEvents(context.Background(), term)
	require.NoError(t, err)
	return events
}

func (h *harness) stage(t *testing.T, id string) model.Stage {
	t.Helper()
	view, ok := h.orch.View(id)
	require.True(t, ok)
	return view.Stage
}

func studyGroup() interpreter.Response {
	return interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 0.9,
		Events: []model.Event{{
			Title: "Study Group",
			Start: at(0, 9, 30),
			End:   at(0, 10, 30),
			Type:  model.EventTypeStudy,
		}},
	}
}

func TestSubmit_CreateWithoutConflictApplies(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("add lab tuesday", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 1,
		Events:     []model.Event{{Title: "Lab", Start: at(1, 14, 0), End: at(1, 16, 0), Type: model.EventTypeLab}},
	})
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "add lab tuesday")

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.False(t, res.RequiresChoice)
	assert.Empty(t, res.PendingConflicts)
	require.Len(t, res.Events, 1)
	assert.NotEmpty(t, res.Events[0].ID)
	assert.Len(t, h.events(t), 2)
}

func TestSubmit_ConflictReturnsOrderedOptions(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("add study group", studyGroup())
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "add study group")

	assert.True(t, res.Success)
	assert.True(t, res.RequiresChoice)
	assert.Equal(t, model.StageAwaitingConflictChoice, res.Stage)
	require.Len(t, res.PendingConflicts, 1)

	c := res.PendingConflicts[0]
	assert.Equal(t, "Math 101", c.Existing.Title)
	assert.Equal(t, "Study Group", c.Candidate.Title)
	assert.Equal(t, 30, c.OverlapMinutes)
	require.Len(t, c.Options, 4)
	for i, opt := range c.Options {
		assert.Equal(t, model.ResolutionOrder[i], opt.Action)
	}
	assert.Len(t, h.events(t), 1, "nothing is written before a choice")
}

func TestChoose_AppliesResolution(t *testing.T) {
	tests := []struct {
		name   string
		option model.ResolutionAction
		check  func(t *testing.T, events []model.Event)
	}{
		{
			name:   "keep both",
			option: model.ResolutionKeepBoth,
			check: func(t *testing.T, events []model.Event) {
				require.Len(t, events, 2)
				assert.Equal(t, "Math 101", events[0].Title)
				assert.Equal(t, "Study Group", events[1].Title)
			},
		},
		{
			name:   "keep existing",
			option: model.ResolutionKeepExistingDropNew,
			check: func(t *testing.T, events []model.Event) {
				require.Len(t, events, 1)
				assert.Equal(t, "math", events[0].ID)
			},
		},
		{
			name:   "keep new",
			option: model.ResolutionKeepNewDropExisting,
			check: func(t *testing.T, events []model.Event) {
				require.Len(t, events, 1)
				assert.Equal(t, "Study Group", events[0].Title)
			},
		},
		{
			name:   "reschedule new",
			option: model.ResolutionRescheduleNew,
			check: func(t *testing.T, events []model.Event) {
				require.Len(t, events, 2)
				assert.Equal(t, "Study Group", events[1].Title)
				assert.WithinDuration(t, at(0, 10, 0), events[1].Start, 0)
				assert.WithinDuration(t, at(0, 11, 0), events[1].End, 0)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mathClass())
			h.backend.on("add study group", studyGroup())
			conv := h.orch.Start().ConversationID
			ctx := context.Background()

			res := h.orch.Submit(ctx, conv, "add study group")
			require.True(t, res.RequiresChoice)

			res = h.orch.Choose(ctx, conv, []model.Choice{{ConflictID: res.PendingConflicts[0].ID, Option: tt.option}})
			assert.True(t, res.Success, res.Message)
			assert.Equal(t, model.StageIdle, res.Stage)
			assert.Empty(t, res.PendingConflicts)
			tt.check(t, h.events(t))
		})
	}
}

func TestSubmit_TypedOptionChoosesForAllConflicts(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("add study group", studyGroup())
	conv := h.orch.Start().ConversationID
	ctx := context.Background()

	require.True(t, h.orch.Submit(ctx, conv, "add study group").RequiresChoice)
	res := h.orch.Submit(ctx, conv, "keep both please")

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.Len(t, h.events(t), 2)
}

func TestChoose_PartialChoiceKeepsRemainingPending(t *testing.T) {
	chem := model.Event{ID: "chem", Title: "Chemistry", Start: at(1, 9, 0), End: at(1, 10, 0), Type: model.EventTypeClass}
	h := newHarness(t, mathClass(), chem)
	h.backend.on("add two sessions", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 0.9,
		Events: []model.Event{
			{Title: "Tutoring", Start: at(0, 9, 0), End: at(0, 10, 0), Type: model.EventTypeMeeting},
			{Title: "Tutoring", Start: at(1, 9, 0), End: at(1, 10, 0), Type: model.EventTypeMeeting},
		},
	})
	conv := h.orch.Start().ConversationID
	ctx := context.Background()

	res := h.orch.Submit(ctx, conv, "add two sessions")
	require.Len(t, res.PendingConflicts, 2)
	assert.Equal(t, model.ConflictSameTime, res.PendingConflicts[0].Kind)

	res = h.orch.Choose(ctx, conv, []model.Choice{{ConflictID: "1", Option: model.ResolutionKeepExistingDropNew}})
	assert.True(t, res.Success)
	assert.True(t, res.RequiresChoice)
	assert.Equal(t, model.StageAwaitingConflictChoice, res.Stage)
	require.Len(t, res.PendingConflicts, 1)
	assert.Equal(t, "2", res.PendingConflicts[0].ID)

	res = h.orch.Choose(ctx, conv, []model.Choice{{ConflictID: "2", Option: model.ResolutionKeepBoth}})
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.Len(t, h.events(t), 3)
}

func TestChoose_InvalidChoiceLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("add study group", studyGroup())
	conv := h.orch.Start().ConversationID
	ctx := context.Background()
	require.True(t, h.orch.Submit(ctx, conv, "add study group").RequiresChoice)

	before, _ := h.orch.View(conv)
	tests := []model.Choice{
		{ConflictID: "9", Option: model.ResolutionKeepBoth},
		{ConflictID: "1", Option: "merge"},
	}
	for _, ch := range tests {
		res := h.orch.Choose(ctx, conv, []model.Choice{ch})
		assert.False(t, res.Success)
		assert.True(t, res.RequiresChoice)
		assert.Equal(t, model.StageAwaitingConflictChoice, res.Stage)
	}
	after, _ := h.orch.View(conv)
	assert.Equal(t, before.PendingConflicts, after.PendingConflicts)
	assert.Equal(t, before.History, after.History)
	assert.Len(t, h.events(t), 1)
}

func TestOutOfOrderInputIsRejectedWithoutStateChange(t *testing.T) {
	h := newHarness(t, mathClass())
	conv := h.orch.Start().ConversationID
	ctx := context.Background()

	before, _ := h.orch.View(conv)

	res := h.orch.Choose(ctx, conv, []model.Choice{{ConflictID: "1", Option: model.ResolutionKeepBoth}})
	assert.False(t, res.Success)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.Contains(t, res.Message, "nothing waiting")

	res = h.orch.Confirm(ctx, conv, true)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageIdle, res.Stage)

	after, _ := h.orch.View(conv)
	assert.Equal(t, before.Stage, after.Stage)
	assert.Equal(t, before.History, after.History)
	assert.Nil(t, after.PendingIntent)
	assert.Empty(t, after.PendingConflicts)
	assert.Equal(t, 0, h.sentTo(mcp.Calendar))
}

func TestSubmit_DeleteAlwaysAsksForConfirmation(t *testing.T) {
	for _, accept := range []bool{false, true} {
		t.Run(fmt.Sprintf("accept=%v", accept), func(t *testing.T) {
			h := newHarness(t, mathClass())
			h.backend.on("delete math 101", interpreter.Response{
				Action:     model.ActionDelete,
				Confidence: 0.9,
				Entities:   map[string]string{model.EntitySubject: "MATH 101"},
			})
			conv := h.orch.Start().ConversationID
			ctx := context.Background()

			res := h.orch.Submit(ctx, conv, "delete math 101")
			assert.True(t, res.Success)
			assert.True(t, res.RequiresConfirmation)
			assert.Equal(t, model.StageAwaitingConfirmation, res.Stage)
			require.Len(t, res.Events, 1)
			assert.Len(t, h.events(t), 1)

			view, _ := h.orch.View(conv)
			require.NotNil(t, view.PendingIntent)
			assert.True(t, view.PendingIntent.NeedsConfirmation)

			res = h.orch.Confirm(ctx, conv, accept)
			assert.True(t, res.Success, res.Message)
			assert.Equal(t, model.StageIdle, res.Stage)
			if accept {
				assert.Empty(t, h.events(t))
			} else {
				assert.Len(t, h.events(t), 1)
			}
		})
	}
}

func TestSubmit_TypedYesConfirms(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("delete id: math00", interpreter.Response{Action: model.ActionDelete, Confidence: 1, TargetIDs: []string{"math"}})
	conv := h.orch.Start().ConversationID
	ctx := context.Background()

	require.True(t, h.orch.Submit(ctx, conv, "delete id: math00").RequiresConfirmation)

	res := h.orch.Submit(ctx, conv, "something else")
	assert.False(t, res.Success)
	assert.Equal(t, model.StageAwaitingConfirmation, res.Stage)

	res = h.orch.Submit(ctx, conv, "Yes!")
	assert.True(t, res.Success, res.Message)
	assert.Empty(t, h.events(t))
}

func TestSubmit_LowConfidenceCreateAsksForConfirmation(t *testing.T) {
	h := newHarness(t)
	resp := studyGroup()
	resp.Confidence = 0.4
	h.backend.on("maybe study", resp)
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "maybe study")
	assert.True(t, res.RequiresConfirmation)
	assert.Equal(t, model.StageAwaitingConfirmation, res.Stage)
	assert.Empty(t, h.events(t))
}

func TestSubmit_OutsideTermIsRejectedBeforeConflictEngine(t *testing.T) {
	h := newHarness(t, mathClass())
	summer := time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC)
	h.backend.on("add summer camp", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 0.95,
		Events:     []model.Event{{Title: "Summer camp", Start: summer, End: summer.Add(time.Hour)}},
	})
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "add summer camp")

	assert.False(t, res.Success)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.Contains(t, res.Message, "must fall within the term")
	assert.Equal(t, 0, h.sentTo(mcp.ConflictEngine))
	assert.Len(t, h.events(t), 1)
}

func TestSubmit_Query(t *testing.T) {
	weekly := mathClass()
	weekly.Recurrence = &model.Recurrence{Frequency: model.FrequencyWeekly, Until: time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC)}
	h := newHarness(t, weekly)
	h.backend.on("what do i have next monday", interpreter.Response{
		Action:     model.ActionQuery,
		Confidence: 1,
		Entities: map[string]string{
			model.EntityRangeStart: at(7, 0, 0).Format(time.RFC3339),
			model.EntityRangeEnd:   at(8, 0, 0).Format(time.RFC3339),
		},
	})
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "what do i have next monday")

	assert.True(t, res.Success, res.Message)
	assert.Equal(t, model.StageIdle, res.Stage)
	require.Len(t, res.Events, 1)
	assert.WithinDuration(t, at(7, 9, 0), res.Events[0].Start, 0)
	assert.Contains(t, res.Message, "Math 101")
	assert.Equal(t, 0, h.sentTo(mcp.ConflictEngine))
}

func TestSubmit_Update(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("move math 101 to tuesday", interpreter.Response{
		Action:     model.ActionUpdate,
		Confidence: 0.9,
		Entities:   map[string]string{model.EntitySubject: "MATH101"},
		Events:     []model.Event{{Start: at(1, 11, 0), End: at(1, 12, 0)}},
	})
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "move math 101 to tuesday")

	assert.True(t, res.Success, res.Message)
	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "Math 101", events[0].Title)
	assert.Equal(t, model.EventTypeClass, events[0].Type)
	assert.WithinDuration(t, at(1, 11, 0), events[0].Start, 0)
	assert.NotEqual(t, "math", events[0].ID)
}

func TestSubmit_FailedWriteRollsBackWholeBatch(t *testing.T) {
	h := newHarness(t, mathClass())
	h.cal.failCreateAt = 2
	h.backend.on("add three labs", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 1,
		Events: []model.Event{
			{Title: "Lab 1", Start: at(1, 9, 0), End: at(1, 10, 0)},
			{Title: "Lab 2", Start: at(2, 9, 0), End: at(2, 10, 0)},
			{Title: "Lab 3", Start: at(3, 9, 0), End: at(3, 10, 0)},
		},
	})
	conv := h.orch.Start().ConversationID

	res := h.orch.Submit(context.Background(), conv, "add three labs")

	assert.False(t, res.Success)
	assert.Equal(t, model.StageIdle, res.Stage)
	assert.Contains(t, res.Message, "nothing was changed")
	events := h.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "math", events[0].ID)
}

func TestSubmit_ComponentFailures(t *testing.T) {
	t.Run("interpreter unavailable", func(t *testing.T) {
		h := newHarness(t)
		conv := h.orch.Start().ConversationID

		res := h.orch.Submit(context.Background(), conv, "unscripted text")
		assert.False(t, res.Success)
		assert.Equal(t, model.StageIdle, res.Stage)
		assert.Contains(t, res.Message, "try again")
	})

	t.Run("unknown recipient", func(t *testing.T) {
		router := mcp.NewRouter(logger.NewNop())
		orch, err := New(router, NewSessionStore(0), Config{Term: term}, logger.NewNop())
		require.NoError(t, err)
		conv := orch.Start().ConversationID

		res := orch.Submit(context.Background(), conv, "add lab")
		assert.False(t, res.Success)
		assert.Equal(t, model.StageIdle, res.Stage)
		assert.Contains(t, res.Message, "retry")
	})

	t.Run("unknown conversation", func(t *testing.T) {
		h := newHarness(t)
		res := h.orch.Submit(context.Background(), "missing", "hello")
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "does not exist")
	})
}

func TestCancel(t *testing.T) {
	h := newHarness(t, mathClass())
	h.backend.on("add study group", studyGroup())
	conv := h.orch.Start().ConversationID
	ctx := context.Background()

	res := h.orch.Cancel(ctx, conv)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "nothing to cancel")

	require.True(t, h.orch.Submit(ctx, conv, "add study group").RequiresChoice)
	res = h.orch.Cancel(ctx, conv)
	assert.True(t, res.Success)
	assert.Equal(t, model.StageIdle, res.Stage)

	view, _ := h.orch.View(conv)
	assert.Empty(t, view.PendingConflicts)
	assert.Nil(t, view.PendingIntent)

	res = h.orch.Choose(ctx, conv, []model.Choice{{Option: model.ResolutionKeepBoth}})
	assert.False(t, res.Success)
	assert.Len(t, h.events(t), 1)
}

func TestCancel_InterruptsInterpretation(t *testing.T) {
	h := newHarness(t)
	h.backend.block = true
	conv := h.orch.Start().ConversationID

	done := make(chan model.TurnResult, 1)
	go func() { done <- h.orch.Submit(context.Background(), conv, "add lab") }()

	require.Eventually(t, func() bool {
		return h.stage(t, conv) == model.StageAwaitingInterpretation
	}, time.Second, time.Millisecond)

	res := h.orch.Cancel(context.Background(), conv)
	assert.True(t, res.Success)

	select {
	case turn := <-done:
		assert.False(t, turn.Success)
		assert.Contains(t, turn.Message, "Cancelled")
		assert.Equal(t, model.StageIdle, turn.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancel")
	}

	view, ok := h.orch.View(conv)
	require.True(t, ok)
	var cancelled int
	for _, turn := range view.History {
		if turn.Role == model.RoleAssistant && strings.HasPrefix(turn.Text, "Cancelled") {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled, "history: %+v", view.History)
}

func TestCancel_RejectedWhileApplying(t *testing.T) {
	h := newHarness(t)
	h.cal.gate = make(chan struct{})
	h.backend.on("add lab", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 1,
		Events:     []model.Event{{Title: "Lab", Start: at(1, 9, 0), End: at(1, 10, 0)}},
	})
	conv := h.orch.Start().ConversationID

	done := make(chan model.TurnResult, 1)
	go func() { done <- h.orch.Submit(context.Background(), conv, "add lab") }()

	require.Eventually(t, func() bool {
		return h.stage(t, conv) == model.StageApplying
	}, time.Second, time.Millisecond)

	res := h.orch.Cancel(context.Background(), conv)
	assert.False(t, res.Success)
	assert.Equal(t, model.StageApplying, res.Stage)

	close(h.cal.gate)
	turn := <-done
	assert.True(t, turn.Success, turn.Message)
	assert.Len(t, h.events(t), 1)
}

func TestTurnsOfOneConversationAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.cal.gate = make(chan struct{})
	h.backend.on("add lab", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 1,
		Events:     []model.Event{{Title: "Lab", Start: at(1, 9, 0), End: at(1, 10, 0)}},
	})
	conv := h.orch.Start().ConversationID

	done := make(chan model.TurnResult, 1)
	go func() { done <- h.orch.Submit(context.Background(), conv, "add lab") }()
	require.Eventually(t, func() bool {
		return h.stage(t, conv) == model.StageApplying
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.orch.Submit(ctx, conv, "add lab")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "still working")

	close(h.cal.gate)
	assert.True(t, (<-done).Success)
}

func TestConversationsRunConcurrently(t *testing.T) {
	h := newHarness(t)
	const n = 8
	convs := make([]string, n)
	for i := range n {
		text := fmt.Sprintf("add session %d", i)
		h.backend.on(text, interpreter.Response{
			Action:     model.ActionCreate,
			Confidence: 1,
			Events:     []model.Event{{Title: text, Start: at(1, 8+i, 0), End: at(1, 9+i, 0)}},
		})
		convs[i] = h.orch.Start().ConversationID
	}

	var wg sync.WaitGroup
	results := make([]model.TurnResult, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.orch.Submit(context.Background(), convs[i], fmt.Sprintf("add session %d", i))
		}()
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.Success, "conversation %d: %s", i, res.Message)
	}
	assert.Len(t, h.events(t), n)
}

func TestHistoryIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.backend.on("add lab", interpreter.Response{
		Action:     model.ActionCreate,
		Confidence: 1,
		Events:     []model.Event{{Title: "Lab", Start: at(1, 9, 0), End: at(1, 10, 0)}},
	})
	conv := h.orch.Start().ConversationID
	h.orch.Submit(context.Background(), conv, "add lab")

	view, ok := h.orch.View(conv)
	require.True(t, ok)
	require.Len(t, view.History, 2)
	assert.Equal(t, model.RoleUser, view.History[0].Role)
	assert.Equal(t, "add lab", view.History[0].Text)
	assert.Equal(t, model.RoleAssistant, view.History[1].Role)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	conv := h.orch.Start().ConversationID

	assert.Empty(t, h.orch.Sweep(time.Hour))
	_, ok := h.orch.View(conv)
	assert.True(t, ok)

	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, []string{conv}, h.orch.Sweep(time.Millisecond))
	_, ok = h.orch.View(conv)
	assert.False(t, ok)
}
