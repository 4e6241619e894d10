// Package calendar provides access to the calendar the agents schedule into.
package calendar

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

var (
	// ErrNotFound is returned for an unknown event id.
	ErrNotFound = errors.New("event not found")
	// ErrSkipped marks batch items not attempted after an earlier failure.
	ErrSkipped = errors.New("skipped after earlier failure")
	// ErrDuplicateID is returned when creating an event whose id exists.
	ErrDuplicateID = errors.New("event id already exists")
)

// CreateResult is the outcome of creating one event.
type CreateResult struct {
	Event model.Event
	Err   error
}

// DeleteResult is the outcome of deleting one event.
type DeleteResult struct {
	ID  string
	Err error
}

// Provider is the calendar store. Writes report per item; a provider stops
// at the first failing item and reports the rest as ErrSkipped.
type Provider interface {
	// Name identifies the backing store.
	Name() string

	// ListEvents returns the events that may have an occurrence in window,
	// ordered by start. Recurring events are returned once, as a series.
	ListEvents(ctx context.Context, window model.TimeRange) ([]model.Event, error)

	// CreateEvents stores events. Events without an id get one assigned.
	CreateEvents(ctx context.Context, events []model.Event) []CreateResult

	// DeleteEvents removes events by id.
	DeleteEvents(ctx context.Context, ids []string) []DeleteResult
}

// Restorer is implemented by providers that keep deleted events and cannot
// take their ids again through CreateEvents. Rollback uses it to bring
// deleted events back under their original ids.
type Restorer interface {
	RestoreEvents(ctx context.Context, events []model.Event) []CreateResult
}

// Intersects reports whether e may have an occurrence in window. A series
// is checked from its first start to the end of its last possible day.
func Intersects(e model.Event, window model.TimeRange) bool {
	if !e.Recurrence.IsRecurring() {
		return e.Range().Overlaps(window)
	}
	if !e.Start.Before(window.End) {
		return false
	}
	y, m, d := e.Recurrence.Until.Date()
	lastEnd := time.Date(y, m, d, 0, 0, 0, 0, e.Recurrence.Until.Location()).
		Add(24 * time.Hour).Add(e.Duration())
	return lastEnd.After(window.Start)
}

func sortEvents(events []model.Event) {
	slices.SortFunc(events, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
