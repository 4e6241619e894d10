package calendar

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

// MemoryProvider keeps events in process memory.
type MemoryProvider struct {
	mu     sync.RWMutex
	events map[string]model.Event
}

// NewMemoryProvider creates a provider seeded with events.
func NewMemoryProvider(seed ...model.Event) *MemoryProvider {
	p := &MemoryProvider{events: make(map[string]model.Event)}
	for _, e := range seed {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		p.events[e.ID] = e.Clone()
	}
	return p
}

// Name returns the provider name.
func (p *MemoryProvider) Name() string {
	return "memory"
}

// ListEvents returns the events intersecting window.
func (p *MemoryProvider) ListEvents(ctx context.Context, window model.TimeRange) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.Event, 0)
	for _, e := range p.events {
		if Intersects(e, window) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return out, nil
}

// CreateEvents stores events, keeping any id they already carry.
func (p *MemoryProvider) CreateEvents(ctx context.Context, events []model.Event) []CreateResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CreateResult, 0, len(events))
	var failed error
	for _, e := range events {
		if failed != nil {
			out = append(out, CreateResult{Event: e, Err: ErrSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			failed = err
			out = append(out, CreateResult{Event: e, Err: err})
			continue
		}
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		if _, exists := p.events[e.ID]; exists {
			failed = fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
			out = append(out, CreateResult{Event: e, Err: failed})
			continue
		}
		p.events[e.ID] = e.Clone()
		out = append(out, CreateResult{Event: e.Clone()})
	}
	return out
}

// DeleteEvents removes events by id.
func (p *MemoryProvider) DeleteEvents(ctx context.Context, ids []string) []DeleteResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DeleteResult, 0, len(ids))
	var failed error
	for _, id := range ids {
		if failed != nil {
			out = append(out, DeleteResult{ID: id, Err: ErrSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			failed = err
			out = append(out, DeleteResult{ID: id, Err: err})
			continue
		}
		if _, exists := p.events[id]; !exists {
			failed = fmt.Errorf("%w: %s", ErrNotFound, id)
			out = append(out, DeleteResult{ID: id, Err: failed})
			continue
		}
		delete(p.events, id)
		out = append(out, DeleteResult{ID: id})
	}
	return out
}

// Len returns the number of stored events.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.events)
}
