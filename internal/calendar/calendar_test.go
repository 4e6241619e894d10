package calendar

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

var errBackend = errors.New("backend rejected write")

// flakyProvider fails the n-th create (1-based, counted across calls).
type flakyProvider struct {
	*MemoryProvider
	failCreateAt int32
	failDeleteAt int32
	creates      atomic.Int32
	deletes      atomic.Int32
	onFail       func()
}

func (p *flakyProvider) CreateEvents(ctx context.Context, events []model.Event) []CreateResult {
	out := make([]CreateResult, 0, len(events))
	var failed bool
	for _, e := range events {
		switch {
		case failed:
			out = append(out, CreateResult{Event: e, Err: ErrSkipped})
		case p.creates.Add(1) == p.failCreateAt:
			failed = true
			if p.onFail != nil {
				p.onFail()
			}
			out = append(out, CreateResult{Event: e, Err: errBackend})
		default:
			out = append(out, p.MemoryProvider.CreateEvents(ctx, []model.Event{e})...)
		}
	}
	return out
}

func (p *flakyProvider) DeleteEvents(ctx context.Context, ids []string) []DeleteResult {
	out := make([]DeleteResult, 0, len(ids))
	var failed bool
	for _, id := range ids {
		switch {
		case failed:
			out = append(out, DeleteResult{ID: id, Err: ErrSkipped})
		case p.deletes.Add(1) == p.failDeleteAt:
			failed = true
			out = append(out, DeleteResult{ID: id, Err: errBackend})
		default:
			out = append(out, p.MemoryProvider.DeleteEvents(ctx, []string{id})...)
		}
	}
	return out
}

func monday(hh int) time.Time {
	return time.Date(2025, 9, 8, hh, 0, 0, 0, time.UTC)
}

func termWindow() model.TimeRange {
	return model.TimeRange{
		Start: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func threeEvents() []model.Event {
	return []model.Event{
		{ID: "e1", Title: "One", Start: monday(9), End: monday(10), Type: model.EventTypeClass},
		{ID: "e2", Title: "Two", Start: monday(11), End: monday(12), Type: model.EventTypeClass},
		{ID: "e3", Title: "Three", Start: monday(13), End: monday(14), Type: model.EventTypeClass},
	}
}

func TestApplyBatch_SecondCreateFailsLeavesNothing(t *testing.T) {
	p := &flakyProvider{MemoryProvider: NewMemoryProvider(), failCreateAt: 2}

	_, err := ApplyBatch(context.Background(), p, model.Batch{Creates: threeEvents()}, logger.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCalendarWrite)

	events, err := p.ListEvents(context.Background(), termWindow())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestApplyBatch_FailedCreateRestoresDeletes(t *testing.T) {
	existing := model.Event{ID: "old", Title: "Old", Start: monday(9), End: monday(10), Type: model.EventTypeClass}
	p := &flakyProvider{MemoryProvider: NewMemoryProvider(existing), failCreateAt: 2}

	batch := model.Batch{
		Deletes: []model.Event{existing},
		Creates: threeEvents(),
	}
	_, err := ApplyBatch(context.Background(), p, batch, logger.NewNop())
	require.ErrorIs(t, err, model.ErrCalendarWrite)

	events, err := p.ListEvents(context.Background(), termWindow())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, existing, events[0])
}

func TestApplyBatch_FailedDeleteRestoresEarlierDeletes(t *testing.T) {
	seed := threeEvents()
	p := &flakyProvider{MemoryProvider: NewMemoryProvider(seed...), failDeleteAt: 2}

	_, err := ApplyBatch(context.Background(), p, model.Batch{Deletes: seed}, logger.NewNop())
	require.ErrorIs(t, err, model.ErrCalendarWrite)
	assert.Equal(t, 3, p.Len())
}

func TestApplyBatch_Success(t *testing.T) {
	existing := model.Event{ID: "old", Title: "Old", Start: monday(9), End: monday(10), Type: model.EventTypeClass}
	p := NewMemoryProvider(existing)

	res, err := ApplyBatch(context.Background(), p, model.Batch{
		Deletes: []model.Event{existing},
		Creates: threeEvents(),
	}, logger.NewNop())
	require.NoError(t, err)
	assert.Len(t, res.Created, 3)
	assert.Equal(t, []string{"old"}, res.Deleted)
	assert.Equal(t, 3, p.Len())
}

func TestApplyBatch_Empty(t *testing.T) {
	res, err := ApplyBatch(context.Background(), NewMemoryProvider(), model.Batch{}, logger.NewNop())
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestApplyBatch_CancelledContextStillRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &flakyProvider{MemoryProvider: NewMemoryProvider(), failCreateAt: 2, onFail: cancel}

	_, err := ApplyBatch(ctx, p, model.Batch{Creates: threeEvents()}, logger.NewNop())
	require.ErrorIs(t, err, model.ErrCalendarWrite)
	assert.Equal(t, 0, p.Len())
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	res := p.CreateEvents(ctx, []model.Event{
		{Title: "No id", Start: monday(9), End: monday(10)},
		{ID: "fixed", Title: "Fixed", Start: monday(8), End: monday(9)},
	})
	require.Len(t, res, 2)
	require.NoError(t, res[0].Err)
	assert.NotEmpty(t, res[0].Event.ID)
	assert.Equal(t, "fixed", res[1].Event.ID)

	dup := p.CreateEvents(ctx, []model.Event{
		{ID: "fixed", Title: "Again", Start: monday(8), End: monday(9)},
		{ID: "later", Title: "Later", Start: monday(15), End: monday(16)},
	})
	assert.ErrorIs(t, dup[0].Err, ErrDuplicateID)
	assert.ErrorIs(t, dup[1].Err, ErrSkipped)

	events, err := p.ListEvents(ctx, termWindow())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "fixed", events[0].ID, "ordered by start")

	del := p.DeleteEvents(ctx, []string{"missing", "fixed"})
	assert.ErrorIs(t, del[0].Err, ErrNotFound)
	assert.ErrorIs(t, del[1].Err, ErrSkipped)
	assert.Equal(t, 2, p.Len())
}

func TestIntersects(t *testing.T) {
	series := model.Event{
		Start: monday(9),
		End:   monday(10),
		Recurrence: &model.Recurrence{
			Frequency: model.FrequencyWeekly,
			Until:     time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC),
		},
	}
	single := model.Event{Start: monday(9), End: monday(10)}

	tests := []struct {
		name   string
		event  model.Event
		window model.TimeRange
		want   bool
	}{
		{name: "single inside", event: single, window: model.TimeRange{Start: monday(8), End: monday(12)}, want: true},
		{name: "single back to back", event: single, window: model.TimeRange{Start: monday(10), End: monday(12)}, want: false},
		{name: "series later week", event: series, window: model.TimeRange{
			Start: time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC),
		}, want: true},
		{name: "series after until", event: series, window: model.TimeRange{
			Start: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC),
		}, want: false},
		{name: "series before start", event: series, window: model.TimeRange{
			Start: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC),
		}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Intersects(tt.event, tt.window))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	p, closeFn, err := Open(ctx, OpenConfig{Kind: KindMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory", p.Name())
	assert.NoError(t, closeFn())

	p, closeFn, err = Open(ctx, OpenConfig{Kind: KindSQLite, DSN: filepath.Join(t.TempDir(), "cal.db")})
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", p.Name())
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, OpenConfig{Kind: KindGoogle})
	assert.Error(t, err, "google needs credentials")

	_, closeFn, err = Open(ctx, OpenConfig{Kind: "floppy"})
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}
