package nats

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func turnEvents(n int) []TurnEvent {
	out := make([]TurnEvent, n)
	for i := range out {
		out[i] = TurnEvent{ConversationID: "c1", Operation: "submit-" + strconv.Itoa(i)}
	}
	return out
}

func operations(events []TurnEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Operation
	}
	return out
}

func TestKeepLatest(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		limit int
		want  []string
	}{
		{name: "under limit", n: 2, limit: 5, want: []string{"submit-0", "submit-1"}},
		{name: "at limit", n: 3, limit: 3, want: []string{"submit-0", "submit-1", "submit-2"}},
		{name: "newest kept oldest first", n: 5, limit: 2, want: []string{"submit-3", "submit-4"}},
		{name: "no limit", n: 3, limit: 0, want: []string{"submit-0", "submit-1", "submit-2"}},
		{name: "empty", n: 0, limit: 2, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, operations(keepLatest(turnEvents(tt.n), tt.limit)))
		})
	}
}

func TestKeepLatest_Incremental(t *testing.T) {
	var out []TurnEvent
	for _, ev := range turnEvents(7) {
		out = keepLatest(append(out, ev), 3)
	}
	assert.Equal(t, []string{"submit-4", "submit-5", "submit-6"}, operations(out))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "sched.c1.envelope.conflict", EnvelopeSubject("c1", "conflict"))
	assert.Equal(t, "sched.c1.turn", TurnSubject("c1"))
	assert.Equal(t, "sched.c1.>", ConversationFilter("c1"))
}
