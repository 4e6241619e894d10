package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	in := model.Event{
		ID:       "math",
		Title:    "Math 101",
		Start:    time.Date(2025, 9, 8, 9, 0, 0, 0, berlin),
		End:      time.Date(2025, 9, 8, 10, 0, 0, 0, berlin),
		Location: "Room 204",
		Subject:  "MATH101",
		Type:     model.EventTypeClass,
		Recurrence: &model.Recurrence{
			Frequency: model.FrequencyWeekly,
			Until:     time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		Metadata: map[string]string{"source": "upload"},
	}

	res := store.CreateEvents(ctx, []model.Event{in})
	require.NoError(t, res[0].Err)

	// A window weeks after the first occurrence still finds the series.
	events, err := store.ListEvents(ctx, model.TimeRange{
		Start: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Title, got.Title)
	assert.True(t, in.Start.Equal(got.Start))
	assert.Equal(t, "Europe/Berlin", got.Start.Location().String())
	assert.Equal(t, in.Location, got.Location)
	assert.Equal(t, in.Subject, got.Subject)
	assert.Equal(t, in.Type, got.Type)
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, model.FrequencyWeekly, got.Recurrence.Frequency)
	assert.True(t, in.Recurrence.Until.Equal(got.Recurrence.Until))
	assert.Equal(t, in.Metadata, got.Metadata)
}

func TestSQLStore_ListFiltersWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res := store.CreateEvents(ctx, threeEvents())
	for _, r := range res {
		require.NoError(t, r.Err)
	}

	events, err := store.ListEvents(ctx, model.TimeRange{Start: monday(10), End: monday(13)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestSQLStore_DuplicateAndMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	events := threeEvents()
	require.NoError(t, store.CreateEvents(ctx, events[:1])[0].Err)

	dup := store.CreateEvents(ctx, events)
	assert.Error(t, dup[0].Err)
	assert.ErrorIs(t, dup[1].Err, ErrSkipped)
	assert.ErrorIs(t, dup[2].Err, ErrSkipped)

	del := store.DeleteEvents(ctx, []string{"nope"})
	assert.ErrorIs(t, del[0].Err, ErrNotFound)

	del = store.DeleteEvents(ctx, []string{"e1"})
	assert.NoError(t, del[0].Err)
}

func TestSQLStore_ApplyBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	events := threeEvents()
	// e2 already exists, so the second insert of the batch fails.
	require.NoError(t, store.CreateEvents(ctx, []model.Event{{
		ID: "e2", Title: "Blocker", Start: monday(18), End: monday(19), Type: model.EventTypeOther,
	}})[0].Err)

	_, err := ApplyBatch(ctx, store, model.Batch{Creates: events}, logger.NewNop())
	require.ErrorIs(t, err, model.ErrCalendarWrite)

	left, err := store.ListEvents(ctx, termWindow())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "Blocker", left[0].Title)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	lite := &SQLStore{driver: "sqlite3"}

	q := "SELECT * FROM events WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT * FROM events WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}
