package calendar

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/recurrence"
)

const (
	icsProductID = "-//AllWorkNoPlay//CalendarAgents//EN"
	icsPropType  = ics.ComponentProperty("X-CALENDAR-AGENTS-TYPE")
	icsPropSubj  = ics.ComponentProperty("X-CALENDAR-AGENTS-SUBJECT")
)

// ExportICS writes events as an iCalendar document.
func ExportICS(w io.Writer, name string, events []model.Event) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(icsProductID)
	if name != "" {
		cal.SetName(name)
	}

	now := time.Now().UTC()
	for _, e := range events {
		ev := cal.AddEvent(e.ID)
		ev.SetDtStampTime(now)
		ev.SetSummary(e.Title)
		ev.SetStartAt(e.Start.UTC())
		ev.SetEndAt(e.End.UTC())
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		if e.Type != "" {
			ev.SetProperty(icsPropType, string(e.Type))
		}
		if e.Subject != "" {
			ev.SetProperty(icsPropSubj, e.Subject)
		}
		if rule := recurrence.RRule(e); rule != "" {
			ev.AddProperty(ics.ComponentPropertyRrule, rule)
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("write ics: %w", err)
	}
	return nil
}

// ImportError describes a VEVENT that could not be converted.
type ImportError struct {
	UID string
	Err error
}

func (e ImportError) Error() string {
	return fmt.Sprintf("event %q: %v", e.UID, e.Err)
}

// ImportICS reads timed events from an iCalendar document. Events that
// cannot be represented are reported and skipped; the rest are returned.
// Times without a zone are read in loc.
func ImportICS(r io.Reader, loc *time.Location) ([]model.Event, []ImportError, error) {
	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ics: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	var (
		events  []model.Event
		skipped []ImportError
	)
	for _, ve := range cal.Events() {
		e, err := fromVEvent(ve, loc)
		if err != nil {
			skipped = append(skipped, ImportError{UID: e.ID, Err: err})
			continue
		}
		events = append(events, e)
	}
	sortEvents(events)
	return events, skipped, nil
}

func fromVEvent(ve *ics.VEvent, loc *time.Location) (model.Event, error) {
	var e model.Event
	if p := ve.GetProperty(ics.ComponentPropertyUniqueId); p != nil {
		e.ID = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		e.Title = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyLocation); p != nil {
		e.Location = p.Value
	}
	e.Type = model.EventTypeOther
	if p := ve.GetProperty(icsPropType); p != nil {
		e.Type = model.ParseEventType(p.Value)
	}
	if p := ve.GetProperty(icsPropSubj); p != nil {
		e.Subject = p.Value
	}

	if p := ve.GetProperty(ics.ComponentPropertyDtStart); p == nil || !strings.Contains(p.Value, "T") {
		return e, fmt.Errorf("all-day or undated events are not supported")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return e, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return e, fmt.Errorf("DTEND: %w", err)
	}
	e.Start, e.End = inZone(start, loc), inZone(end, loc)

	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil {
		r, err := recurrence.Parse(p.Value)
		if err != nil {
			return e, err
		}
		e.Recurrence = r
	}
	return e, nil
}

// inZone reinterprets floating times, which the parser returns in UTC or
// Local, as wall-clock times in loc.
func inZone(t time.Time, loc *time.Location) time.Time {
	if t.Location() == time.Local {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	}
	return t.In(loc)
}
