package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

type echoHandler struct {
	name string
	seen []model.Envelope
}

func (h *echoHandler) Name() string { return h.name }

func (h *echoHandler) Handle(_ context.Context, env model.Envelope) model.Envelope {
	h.seen = append(h.seen, env)
	if env.Payload.Action == "fail" {
		return env.ReplyError(h.name, model.NewValidationError("title", "must not be empty"))
	}
	if env.Payload.Action == "panic" {
		panic("boom")
	}
	resp, _ := env.Reply(h.name, env.Payload.Action+"_done", map[string]string{"echo": env.Payload.Action})
	return resp
}

func (h *echoHandler) Version() string        { return "1.0.0" }
func (h *echoHandler) Capabilities() []string { return []string{"echo"} }

func newTestRouter(t *testing.T) (*Router, *echoHandler) {
	t.Helper()
	r := NewRouter(logger.NewNop())
	h := &echoHandler{name: Calendar}
	require.NoError(t, r.Register(h))
	require.NoError(t, r.RegisterMailbox(Orchestrator))
	return r, h
}

func request(t *testing.T, recipient, conv, action string) model.Envelope {
	t.Helper()
	env, err := model.NewRequest(Orchestrator, recipient, conv, action, map[string]int{"n": 1})
	require.NoError(t, err)
	return env
}

func collect(r *Router, recipient, conv string) []model.Envelope {
	var out []model.Envelope
	for env := range r.Receive(recipient, conv) {
		out = append(out, env)
	}
	return out
}

func TestRouter_SendUnknownRecipient(t *testing.T) {
	r, _ := newTestRouter(t)

	err := r.Send(request(t, "scheduler", "c1", "list_events"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownRecipient))
	assert.Equal(t, 0, r.Pending("scheduler", "c1"))
}

func TestRouter_SendRejectsInvalidEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)

	env := request(t, Calendar, "c1", "list_events")
	env.CorrelationID = ""

	err := r.Send(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrProtocol))
	assert.Equal(t, 0, r.Pending(Calendar, "c1"))
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)

	assert.Error(t, r.Register(&echoHandler{name: Calendar}))
	assert.Error(t, r.RegisterMailbox(Calendar))
	assert.Error(t, r.RegisterMailbox(""))
}

func TestRouter_ReceiveIsFIFOPerLane(t *testing.T) {
	r, _ := newTestRouter(t)

	first := request(t, Orchestrator, "c1", "a")
	second := request(t, Orchestrator, "c1", "b")
	other := request(t, Orchestrator, "c2", "c")
	require.NoError(t, r.Send(first))
	require.NoError(t, r.Send(other))
	require.NoError(t, r.Send(second))

	got := collect(r, Orchestrator, "c1")
	require.Len(t, got, 2)
	assert.Equal(t, first.MessageID, got[0].MessageID)
	assert.Equal(t, second.MessageID, got[1].MessageID)

	assert.Equal(t, 1, r.Pending(Orchestrator, "c2"))
}

func TestRouter_ReceiveIsFiniteAndRestartable(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Send(request(t, Orchestrator, "c1", "a")))

	count := 0
	for range r.Receive(Orchestrator, "c1") {
		count++
		// Sent during iteration: picked up by the next cycle, not this one.
		require.NoError(t, r.Send(request(t, Orchestrator, "c1", "late")))
	}
	assert.Equal(t, 1, count)

	again := collect(r, Orchestrator, "c1")
	require.Len(t, again, 1)
	assert.Equal(t, "late", again[0].Payload.Action)
	assert.Empty(t, collect(r, Orchestrator, "c1"))
}

func TestRouter_ReceiveStopEarlyKeepsRest(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Send(request(t, Orchestrator, "c1", "a")))
	require.NoError(t, r.Send(request(t, Orchestrator, "c1", "b")))

	for range r.Receive(Orchestrator, "c1") {
		break
	}

	rest := collect(r, Orchestrator, "c1")
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].Payload.Action)
}

func TestRouter_PumpDeliversAndCorrelates(t *testing.T) {
	r, h := newTestRouter(t)
	req := request(t, Calendar, "c1", "list_events")
	require.NoError(t, r.Send(req))

	handled := r.Pump(context.Background(), "c1")
	assert.Equal(t, 1, handled)
	require.Len(t, h.seen, 1)

	responses := collect(r, Orchestrator, "c1")
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(t, model.KindResponse, resp.Kind)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
	assert.Equal(t, Calendar, resp.Sender)
	assert.Equal(t, "list_events_done", resp.Payload.Action)
}

func TestRouter_PumpOnlyTouchesItsConversation(t *testing.T) {
	r, h := newTestRouter(t)
	require.NoError(t, r.Send(request(t, Calendar, "c1", "a")))
	require.NoError(t, r.Send(request(t, Calendar, "c2", "b")))

	r.Pump(context.Background(), "c1")

	require.Len(t, h.seen, 1)
	assert.Equal(t, 1, r.Pending(Calendar, "c2"))
	assert.Equal(t, 0, r.Pending(Orchestrator, "c2"))
}

func TestRouter_PumpSkipsNotificationReplies(t *testing.T) {
	r, h := newTestRouter(t)
	env, err := model.NewNotification(Orchestrator, Calendar, "c1", "ping", nil)
	require.NoError(t, err)
	require.NoError(t, r.Send(env))

	r.Pump(context.Background(), "c1")

	assert.Len(t, h.seen, 1)
	assert.Equal(t, 0, r.Pending(Orchestrator, "c1"))
}

func TestRouter_PumpErrorEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		wantCode string
	}{
		{name: "handler reports failure", action: "fail", wantCode: model.CodeValidation},
		{name: "handler panics", action: "panic", wantCode: model.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t)
			req := request(t, Calendar, "c1", tt.action)
			require.NoError(t, r.Send(req))

			r.Pump(context.Background(), "c1")

			responses := collect(r, Orchestrator, "c1")
			require.Len(t, responses, 1)
			resp := responses[0]
			assert.True(t, resp.IsError())
			assert.Equal(t, req.MessageID, resp.CorrelationID)
			assert.Equal(t, tt.wantCode, model.ErrorCode(resp.Err()))

			agents := r.Agents()
			require.Len(t, agents, 2)
			assert.Equal(t, int64(1), agents[0].Failed)
		})
	}
}

func TestRouter_ValidationErrorSurvivesWire(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Send(request(t, Calendar, "c1", "fail")))
	r.Pump(context.Background(), "c1")

	resp := collect(r, Orchestrator, "c1")[0]
	var ve *model.ValidationError
	require.True(t, errors.As(resp.Err(), &ve))
	assert.Equal(t, "title", ve.Field)
}

func TestRouter_TapSeesAcceptedEnvelopes(t *testing.T) {
	r, _ := newTestRouter(t)
	var seen []string
	r.Tap(func(env model.Envelope) { seen = append(seen, env.Recipient) })

	require.NoError(t, r.Send(request(t, Calendar, "c1", "a")))
	require.Error(t, r.Send(request(t, "nobody", "c1", "a")))
	r.Pump(context.Background(), "c1")

	assert.Equal(t, []string{Calendar, Orchestrator}, seen)
}

func TestRouter_Agents(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Send(request(t, Calendar, "c1", "a")))
	r.Pump(context.Background(), "c1")

	agents := r.Agents()
	require.Len(t, agents, 2)

	assert.Equal(t, Calendar, agents[0].Name)
	assert.Equal(t, "1.0.0", agents[0].Version)
	assert.Equal(t, []string{"echo"}, agents[0].Capabilities)
	assert.Equal(t, int64(1), agents[0].Processed)
	assert.False(t, agents[0].LastActive.IsZero())

	assert.Equal(t, Orchestrator, agents[1].Name)
	assert.True(t, agents[1].Mailbox)
}
