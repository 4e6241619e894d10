package model

import "time"

// Action is the classified operation of a user turn.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionQuery  Action = "query"
	ActionBulk   Action = "bulk"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionQuery, ActionBulk:
		return true
	}
	return false
}

// Destructive reports whether a always requires confirmation.
func (a Action) Destructive() bool {
	return a == ActionDelete || a == ActionBulk
}

// Entity keys extracted by the interpreter.
const (
	EntityRangeStart = "range_start"
	EntityRangeEnd   = "range_end"
	EntitySubject    = "subject"
	EntityLocation   = "location"
	EntityTitle      = "title"
	EntityEventID    = "event_id"
)

// Intent is the structured interpretation of one user turn. It is produced
// once and never mutated afterwards; use Clone before handing it out.
type Intent struct {
	Text              string            `json:"text"`
	Action            Action            `json:"action"`
	Entities          map[string]string `json:"entities,omitempty"`
	Confidence        float64           `json:"confidence"`
	NeedsConfirmation bool              `json:"needs_confirmation"`
	Events            []Event           `json:"events,omitempty"`
	TargetIDs         []string          `json:"target_ids,omitempty"`
}

// Clone returns a deep copy of i.
func (i Intent) Clone() Intent {
	out := i
	if i.Entities != nil {
		out.Entities = make(map[string]string, len(i.Entities))
		for k, v := range i.Entities {
			out.Entities[k] = v
		}
	}
	if i.Events != nil {
		out.Events = make([]Event, len(i.Events))
		for n, ev := range i.Events {
			out.Events[n] = ev.Clone()
		}
	}
	if i.TargetIDs != nil {
		out.TargetIDs = append([]string(nil), i.TargetIDs...)
	}
	return out
}

// Range returns the time window named by the entities, if any.
func (i Intent) Range() (TimeRange, bool) {
	start, err1 := time.Parse(time.RFC3339, i.Entities[EntityRangeStart])
	end, err2 := time.Parse(time.RFC3339, i.Entities[EntityRangeEnd])
	if err1 != nil || err2 != nil || !end.After(start) {
		return TimeRange{}, false
	}
	return TimeRange{Start: start, End: end}, true
}

// TurnContext is what the interpreter sees besides the raw text. Two
// identical contexts with the same text interpret identically.
type TurnContext struct {
	ConversationID string    `json:"conversation_id"`
	History        []Turn    `json:"history,omitempty"`
	Subjects       []string  `json:"subjects,omitempty"`
	Locations      []string  `json:"locations,omitempty"`
	Timezone       string    `json:"timezone,omitempty"`
	Term           TimeRange `json:"term"`
	// Now anchors relative dates such as "tomorrow".
	Now time.Time `json:"now"`
}
