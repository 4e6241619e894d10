package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/llm"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

const systemPrompt = `You help a student manage a school calendar through chat.
Classify the user's message and answer with a single JSON object:
{
  "action": "create" | "update" | "delete" | "query" | "bulk",
  "confidence": number between 0 and 1,
  "entities": {"range_start": RFC3339, "range_end": RFC3339, "subject": "", "location": "", "title": "", "event_id": ""},
  "events": [{"title": "", "start": RFC3339, "end": RFC3339, "location": "", "subject": "",
              "type": "class" | "lab" | "study" | "meeting" | "exam" | "other",
              "recurrence": {"frequency": "none" | "weekly" | "biweekly", "until": RFC3339}}],
  "target_ids": []
}
Use "events" for events to create, or the new version of an event to update.
Use "bulk" for operations on every event in a range. Omit unknown entities.
Answer with JSON only.`

// LLMBackend asks a language model to classify text.
type LLMBackend struct {
	client      llm.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewLLMBackend creates a backend over client. An empty model uses the
// client's default.
func NewLLMBackend(client llm.Client, modelName string) *LLMBackend {
	return &LLMBackend{
		client:      client,
		model:       modelName,
		maxTokens:   800,
		temperature: 0.1,
	}
}

// Name returns the backend name.
func (b *LLMBackend) Name() string {
	return "llm:" + b.client.Name()
}

// Interpret sends the text plus context to the model and decodes its answer.
func (b *LLMBackend) Interpret(ctx context.Context, req Request) (Response, error) {
	messages := make([]llm.ChatMessage, 0, len(req.Context.History)+1)
	for _, turn := range req.Context.History {
		role := llm.RoleUser
		if turn.Role == model.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: userPrompt(req)})

	start := time.Now()
	resp, err := b.client.Complete(ctx, &llm.CompletionRequest{
		Model:       b.model,
		System:      systemPrompt,
		Messages:    mergeRoles(messages),
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
		JSON:        true,
	})
	if err != nil {
		metrics.RecordLLMRequest(b.modelLabel(), "error", time.Since(start).Seconds(), 0, 0)
		return Response{}, err
	}
	metrics.RecordLLMRequest(b.modelLabel(), "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)

	return decodeResponse(resp.Content)
}

func (b *LLMBackend) modelLabel() string {
	if b.model != "" {
		return b.model
	}
	return b.client.Name()
}

func userPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message: %s\n", req.Text)
	if !req.Context.Now.IsZero() {
		fmt.Fprintf(&sb, "Today: %s\n", req.Context.Now.Format("Monday 2006-01-02"))
	}
	if req.Context.Timezone != "" {
		fmt.Fprintf(&sb, "Timezone: %s\n", req.Context.Timezone)
	}
	if !req.Context.Term.Start.IsZero() {
		fmt.Fprintf(&sb, "Term: %s to %s\n",
			req.Context.Term.Start.Format(time.DateOnly),
			req.Context.Term.End.Add(-time.Nanosecond).Format(time.DateOnly))
	}
	if len(req.Context.Subjects) > 0 {
		fmt.Fprintf(&sb, "Known subjects: %s\n", strings.Join(req.Context.Subjects, ", "))
	}
	if len(req.Context.Locations) > 0 {
		fmt.Fprintf(&sb, "Known locations: %s\n", strings.Join(req.Context.Locations, ", "))
	}
	return sb.String()
}

// mergeRoles joins consecutive messages of the same role; some providers
// reject them.
func mergeRoles(in []llm.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(in))
	for _, m := range in {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role != llm.RoleUser {
		out = out[1:]
	}
	return out
}

func decodeResponse(content string) (Response, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if i := strings.Index(content, "{"); i > 0 {
		content = content[i:]
	}
	if i := strings.LastIndex(content, "}"); i >= 0 && i < len(content)-1 {
		content = content[:i+1]
	}

	var resp Response
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: malformed response: %v", model.ErrInterpreterUnavailable, err)
	}
	resp.Action = model.Action(strings.ToLower(string(resp.Action)))
	for i := range resp.Events {
		resp.Events[i].Type = model.ParseEventType(string(resp.Events[i].Type))
		if r := resp.Events[i].Recurrence; r != nil && r.Frequency == "" {
			r.Frequency = model.FrequencyNone
		}
	}
	return resp, nil
}
