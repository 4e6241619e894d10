// Package recurrence expands repeating events into concrete occurrences.
// Expansion is always bounded by the term window.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// DefaultMaxOccurrences caps the instances produced for one series. A weekly
// series over a full school year stays well below it.
const DefaultMaxOccurrences = 60

var weekdays = map[time.Weekday]struct {
	day  rrule.Weekday
	code string
}{
	time.Monday:    {rrule.MO, "MO"},
	time.Tuesday:   {rrule.TU, "TU"},
	time.Wednesday: {rrule.WE, "WE"},
	time.Thursday:  {rrule.TH, "TH"},
	time.Friday:    {rrule.FR, "FR"},
	time.Saturday:  {rrule.SA, "SA"},
	time.Sunday:    {rrule.SU, "SU"},
}

// Expander turns series into occurrences inside Term.
type Expander struct {
	Term           model.TimeRange
	MaxOccurrences int
}

// NewExpander creates an expander for term with the default cap.
func NewExpander(term model.TimeRange) Expander {
	return Expander{Term: term, MaxOccurrences: DefaultMaxOccurrences}
}

// Occurrences returns every instance of e that starts no later than its
// recurrence bound and ends inside the term. Instances keep the series ID so
// a series never conflicts with itself. The bool reports whether the cap cut
// the series short.
func (x Expander) Occurrences(e model.Event) ([]model.Event, bool, error) {
	if !e.Recurrence.IsRecurring() {
		return []model.Event{e}, false, nil
	}

	rule, err := x.rule(e)
	if err != nil {
		return nil, false, err
	}

	limit := x.MaxOccurrences
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}

	starts := rule.Between(e.Start, x.until(e), true)
	capped := false
	if len(starts) > limit {
		starts = starts[:limit]
		capped = true
	}

	dur := e.Duration()
	out := make([]model.Event, 0, len(starts))
	for _, start := range starts {
		end := start.Add(dur)
		if end.After(x.Term.End) {
			break
		}
		occ := e.Clone()
		occ.Start = start
		occ.End = end
		out = append(out, occ)
	}
	return out, capped, nil
}

// Expand flattens events into occurrences, keeping only those that intersect
// window.
func (x Expander) Expand(events []model.Event, window model.TimeRange) ([]model.Event, error) {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		occs, _, err := x.Occurrences(e)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", e.ID, err)
		}
		for _, occ := range occs {
			if occ.Range().Overlaps(window) {
				out = append(out, occ)
			}
		}
	}
	return out, nil
}

func (x Expander) rule(e model.Event) (*rrule.RRule, error) {
	wd := weekdays[e.Start.Weekday()]
	return rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  e.Recurrence.Interval(),
		Dtstart:   e.Start,
		Byweekday: []rrule.Weekday{wd.day},
		Until:     x.until(e),
	})
}

// until is the last instant an occurrence may start: the recurrence bound
// read as an inclusive day, clipped to the term.
func (x Expander) until(e model.Event) time.Time {
	u := e.Recurrence.Until
	if u.Equal(truncateDay(u)) {
		u = u.Add(24*time.Hour - time.Second)
	}
	if last := x.Term.End.Add(-time.Second); !x.Term.End.IsZero() && u.After(last) {
		u = last
	}
	return u
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// RRule renders the RRULE value for e, or "" when e does not repeat.
func RRule(e model.Event) string {
	if !e.Recurrence.IsRecurring() {
		return ""
	}
	return fmt.Sprintf("FREQ=WEEKLY;INTERVAL=%d;BYDAY=%s;UNTIL=%s",
		e.Recurrence.Interval(),
		weekdays[e.Start.Weekday()].code,
		e.Recurrence.Until.UTC().Format("20060102T150405Z"),
	)
}

// Parse maps an RRULE value onto the supported cadences. Anything other than
// a weekly or biweekly rule with an UNTIL bound is rejected.
func Parse(value string) (*model.Recurrence, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	if value == "" {
		return nil, nil
	}
	r, err := rrule.StrToRRule(value)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", value, err)
	}
	opts := r.OrigOptions
	if opts.Freq != rrule.WEEKLY {
		return nil, model.NewValidationError("recurrence", "only weekly rules are supported")
	}
	if opts.Until.IsZero() {
		return nil, model.NewValidationError("recurrence.until", "an end-of-term bound is required")
	}

	out := &model.Recurrence{Until: opts.Until}
	switch opts.Interval {
	case 0, 1:
		out.Frequency = model.FrequencyWeekly
	case 2:
		out.Frequency = model.FrequencyBiweekly
	default:
		return nil, model.NewValidationError("recurrence", fmt.Sprintf("unsupported interval %d", opts.Interval))
	}
	return out, nil
}
