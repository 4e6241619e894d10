// Package model defines data structures for the scheduling agents.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EventType tags what kind of commitment an event is.
type EventType string

const (
	EventTypeClass   EventType = "class"
	EventTypeLab     EventType = "lab"
	EventTypeStudy   EventType = "study"
	EventTypeMeeting EventType = "meeting"
	EventTypeExam    EventType = "exam"
	EventTypeOther   EventType = "other"
)

// ParseEventType maps free text onto a known type, defaulting to other.
func ParseEventType(s string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(s))) {
	case EventTypeClass:
		return EventTypeClass
	case EventTypeLab:
		return EventTypeLab
	case EventTypeStudy:
		return EventTypeStudy
	case EventTypeMeeting:
		return EventTypeMeeting
	case EventTypeExam:
		return EventTypeExam
	default:
		return EventTypeOther
	}
}

// Frequency is the recurrence cadence of an event.
type Frequency string

const (
	FrequencyNone     Frequency = "none"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
)

// Recurrence describes a repeating event. Until is inclusive and must not
// extend past the end of the term.
type Recurrence struct {
	Frequency Frequency `json:"frequency"`
	Until     time.Time `json:"until"`
}

// IsRecurring reports whether r produces more than one instance.
func (r *Recurrence) IsRecurring() bool {
	return r != nil && (r.Frequency == FrequencyWeekly || r.Frequency == FrequencyBiweekly)
}

// Interval returns the week interval for the cadence.
func (r *Recurrence) Interval() int {
	if r != nil && r.Frequency == FrequencyBiweekly {
		return 2
	}
	return 1
}

// Field limits carried over from the upload format.
const (
	MaxTitleLength    = 200
	MaxLocationLength = 200
	MaxSubjectLength  = 50
)

// Event is a calendar entry.
type Event struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Location   string            `json:"location,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Recurrence *Recurrence       `json:"recurrence,omitempty"`
	Type       EventType         `json:"type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Range returns the event's half-open [Start, End) interval.
func (e Event) Range() TimeRange {
	return TimeRange{Start: e.Start, End: e.End}
}

// Duration returns End - Start.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := e
	if e.Recurrence != nil {
		r := *e.Recurrence
		out.Recurrence = &r
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Shift returns a copy of e moved by d. The recurrence bound is unchanged.
func (e Event) Shift(d time.Duration) Event {
	out := e.Clone()
	out.Start = out.Start.Add(d)
	out.End = out.End.Add(d)
	return out
}

// Validate checks the event against its own invariants and the term window.
func (e Event) Validate(term TimeRange) error {
	if strings.TrimSpace(e.Title) == "" {
		return NewValidationError("title", "must not be empty")
	}
	if utf8.RuneCountInString(e.Title) > MaxTitleLength {
		return NewValidationError("title", fmt.Sprintf("must be at most %d characters", MaxTitleLength))
	}
	if utf8.RuneCountInString(e.Location) > MaxLocationLength {
		return NewValidationError("location", fmt.Sprintf("must be at most %d characters", MaxLocationLength))
	}
	if utf8.RuneCountInString(e.Subject) > MaxSubjectLength {
		return NewValidationError("subject", fmt.Sprintf("must be at most %d characters", MaxSubjectLength))
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return NewValidationError("start/end", "both instants are required")
	}
	if !e.End.After(e.Start) {
		return NewValidationError("end", "must be after start (zero or negative duration)")
	}
	if e.Start.Before(term.Start) || e.End.After(term.End) {
		return NewValidationError("start/end", fmt.Sprintf("must fall within the term %s to %s",
			term.Start.Format(time.DateOnly), term.End.Format(time.DateOnly)))
	}
	if r := e.Recurrence; r != nil {
		switch r.Frequency {
		case FrequencyNone, FrequencyWeekly, FrequencyBiweekly:
		default:
			return NewValidationError("recurrence", fmt.Sprintf("unsupported frequency %q", r.Frequency))
		}
		if r.IsRecurring() {
			if r.Until.IsZero() {
				return NewValidationError("recurrence.until", "an end-of-term bound is required")
			}
			if r.Until.After(term.End) {
				return NewValidationError("recurrence.until", "must not extend past the end of the term")
			}
			if r.Until.Before(e.Start) {
				return NewValidationError("recurrence.until", "must not be before the first occurrence")
			}
		}
	}
	return nil
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the half-open ranges share any instant.
// Back-to-back ranges do not overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether t lies in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Intersection returns the overlapping part of r and o.
func (r TimeRange) Intersection(o TimeRange) (TimeRange, bool) {
	if !r.Overlaps(o) {
		return TimeRange{}, false
	}
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}
