package interpreter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/llm"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// fakeClient answers every completion with content or err.
type fakeClient struct {
	content string
	err     error
	got     *llm.CompletionRequest
}

func (c *fakeClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.got = req
	if c.err != nil {
		return nil, c.err
	}
	return &llm.CompletionResponse{Content: c.content, TokensIn: 120, TokensOut: 40}, nil
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Models() []string { return []string{"fake-small"} }

const mathJSON = `{"action":"Create","confidence":0.9,
"entities":{"subject":"MATH101"},
"events":[{"title":"Math 101","start":"2025-09-08T09:00:00Z","end":"2025-09-08T10:00:00Z","type":"Class",
"recurrence":{"until":"2025-12-15T00:00:00Z"}}]}`

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "plain", content: mathJSON},
		{name: "json fence", content: "```json\n" + mathJSON + "\n```"},
		{name: "bare fence", content: "```\n" + mathJSON + "```"},
		{name: "surrounding text", content: "Sure, here you go:\n" + mathJSON + "\nLet me know if that works."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse(tt.content)
			require.NoError(t, err)

			assert.Equal(t, model.ActionCreate, resp.Action)
			assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
			assert.Equal(t, "MATH101", resp.Entities["subject"])
			require.Len(t, resp.Events, 1)
			ev := resp.Events[0]
			assert.Equal(t, "Math 101", ev.Title)
			assert.Equal(t, model.EventTypeClass, ev.Type)
			require.NotNil(t, ev.Recurrence)
			assert.Equal(t, model.FrequencyNone, ev.Recurrence.Frequency)
		})
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	for _, content := range []string{
		"",
		"I could not understand that.",
		`{"action": }`,
		"```json\n{\"action\": \"create\"\n```",
	} {
		_, err := decodeResponse(content)
		assert.ErrorIs(t, err, model.ErrInterpreterUnavailable, "content %q", content)
	}
}

func TestMergeRoles(t *testing.T) {
	tests := []struct {
		name string
		in   []llm.ChatMessage
		want []llm.ChatMessage
	}{
		{name: "empty", in: nil, want: []llm.ChatMessage{}},
		{
			name: "alternating kept",
			in: []llm.ChatMessage{
				{Role: llm.RoleUser, Content: "add math"},
				{Role: llm.RoleAssistant, Content: "added"},
				{Role: llm.RoleUser, Content: "thanks"},
			},
			want: []llm.ChatMessage{
				{Role: llm.RoleUser, Content: "add math"},
				{Role: llm.RoleAssistant, Content: "added"},
				{Role: llm.RoleUser, Content: "thanks"},
			},
		},
		{
			name: "consecutive joined and leading assistant dropped",
			in: []llm.ChatMessage{
				{Role: llm.RoleAssistant, Content: "hello"},
				{Role: llm.RoleAssistant, Content: "how can I help"},
				{Role: llm.RoleUser, Content: "add math"},
				{Role: llm.RoleUser, Content: "on monday"},
			},
			want: []llm.ChatMessage{
				{Role: llm.RoleUser, Content: "add math\non monday"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeRoles(tt.in))
		})
	}
}

func TestUserPrompt(t *testing.T) {
	t.Run("full context", func(t *testing.T) {
		got := userPrompt(Request{
			Text: "add math on monday",
			Context: model.TurnContext{
				Now:      time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC),
				Timezone: "Europe/London",
				Term: model.TimeRange{
					Start: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
				},
				Subjects:  []string{"MATH101", "PHYS201"},
				Locations: []string{"Room 12"},
			},
		})

		assert.Equal(t, "Message: add math on monday\n"+
			"Today: Monday 2025-09-08\n"+
			"Timezone: Europe/London\n"+
			"Term: 2025-09-01 to 2026-06-30\n"+
			"Known subjects: MATH101, PHYS201\n"+
			"Known locations: Room 12\n", got)
	})

	t.Run("message only", func(t *testing.T) {
		assert.Equal(t, "Message: hi\n", userPrompt(Request{Text: "hi"}))
	})
}

func TestLLMBackend_Interpret(t *testing.T) {
	client := &fakeClient{content: "```json\n" + mathJSON + "\n```"}
	backend := NewLLMBackend(client, "")

	resp, err := backend.Interpret(context.Background(), Request{
		Text: "add math on monday",
		Context: model.TurnContext{
			ConversationID: "c1",
			Now:            turnContext.Now,
			History: []model.Turn{
				{Role: model.RoleAssistant, Text: "hello"},
				{Role: model.RoleUser, Text: "I have a new class"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "llm:fake", backend.Name())
	assert.Equal(t, model.ActionCreate, resp.Action)

	require.NotNil(t, client.got)
	assert.True(t, client.got.JSON)
	assert.Equal(t, systemPrompt, client.got.System)
	require.Len(t, client.got.Messages, 1)
	assert.Equal(t, llm.RoleUser, client.got.Messages[0].Role)
	assert.Contains(t, client.got.Messages[0].Content, "I have a new class\nMessage: add math on monday")
}

func TestLLMBackend_ClientError(t *testing.T) {
	boom := errors.New("connection refused")
	backend := NewLLMBackend(&fakeClient{err: boom}, "fake-small")

	_, err := backend.Interpret(context.Background(), Request{Text: "add math"})
	assert.ErrorIs(t, err, boom)
}
