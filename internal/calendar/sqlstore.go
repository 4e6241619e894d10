package calendar

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

//go:embed schema.sql
var schema string

// Connection pool settings for Postgres.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

// storedTime is the text form of instants in the events table. It sorts
// lexicographically in time order because every value is UTC.
const storedTime = "2006-01-02T15:04:05Z"

// SQLStore keeps events in SQLite or Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens a store. driver is "sqlite3" or "postgres"; for SQLite
// the dsn is a file path whose directory is created if missing.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	switch driver {
	case "sqlite3":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	} else {
		// A single connection keeps an in-memory database alive and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Name returns the provider name.
func (s *SQLStore) Name() string {
	return s.driver
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const selectColumns = `id, title, start_at, end_at, timezone, location, subject, event_type, frequency, recurrence_until, metadata`

// ListEvents returns the events intersecting window.
func (s *SQLStore) ListEvents(ctx context.Context, window model.TimeRange) ([]model.Event, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM events
		WHERE start_at < ? AND (end_at > ? OR (frequency <> 'none' AND recurrence_until >= ?))
		ORDER BY start_at, id`)

	from := window.Start.UTC().Add(-24 * time.Hour).Format(storedTime)
	rows, err := s.db.QueryContext(ctx, query,
		window.End.UTC().Format(storedTime),
		window.Start.UTC().Format(storedTime),
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if Intersects(e, window) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	sortEvents(out)
	return out, nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var (
		e                                model.Event
		start, end, tz, typ, freq, until string
		metadata                         string
	)
	if err := rows.Scan(&e.ID, &e.Title, &start, &end, &tz, &e.Location, &e.Subject, &typ, &freq, &until, &metadata); err != nil {
		return model.Event{}, fmt.Errorf("scan event: %w", err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	if e.Start, err = parseStored(start, loc); err != nil {
		return model.Event{}, err
	}
	if e.End, err = parseStored(end, loc); err != nil {
		return model.Event{}, err
	}
	e.Type = model.ParseEventType(typ)

	if f := model.Frequency(freq); f != model.FrequencyNone && f != "" {
		u, err := parseStored(until, loc)
		if err != nil {
			return model.Event{}, err
		}
		e.Recurrence = &model.Recurrence{Frequency: f, Until: u}
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return model.Event{}, fmt.Errorf("event %s metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func parseStored(v string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(storedTime, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t.In(loc), nil
}

// CreateEvents inserts events one statement at a time.
func (s *SQLStore) CreateEvents(ctx context.Context, events []model.Event) []CreateResult {
	insert := s.rebind(`INSERT INTO events (` + selectColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	out := make([]CreateResult, 0, len(events))
	var failed error
	for _, e := range events {
		if failed != nil {
			out = append(out, CreateResult{Event: e, Err: ErrSkipped})
			continue
		}
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}

		freq, until := string(model.FrequencyNone), ""
		if e.Recurrence.IsRecurring() {
			freq = string(e.Recurrence.Frequency)
			until = e.Recurrence.Until.UTC().Format(storedTime)
		}
		metadata := "{}"
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				failed = fmt.Errorf("encode metadata: %w", err)
				out = append(out, CreateResult{Event: e, Err: failed})
				continue
			}
			metadata = string(raw)
		}

		_, err := s.db.ExecContext(ctx, insert,
			e.ID, e.Title,
			e.Start.UTC().Format(storedTime), e.End.UTC().Format(storedTime),
			e.Start.Location().String(),
			e.Location, e.Subject, string(e.Type), freq, until, metadata,
			time.Now().UTC().Format(storedTime),
		)
		if err != nil {
			failed = fmt.Errorf("insert event %s: %w", e.ID, err)
			out = append(out, CreateResult{Event: e, Err: failed})
			continue
		}
		out = append(out, CreateResult{Event: e})
	}
	return out
}

// DeleteEvents deletes events by id.
func (s *SQLStore) DeleteEvents(ctx context.Context, ids []string) []DeleteResult {
	del := s.rebind(`DELETE FROM events WHERE id = ?`)

	out := make([]DeleteResult, 0, len(ids))
	var failed error
	for _, id := range ids {
		if failed != nil {
			out = append(out, DeleteResult{ID: id, Err: ErrSkipped})
			continue
		}
		res, err := s.db.ExecContext(ctx, del, id)
		if err == nil {
			var n int64
			if n, err = res.RowsAffected(); err == nil && n == 0 {
				err = fmt.Errorf("%w: %s", ErrNotFound, id)
			}
		}
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				err = fmt.Errorf("delete event %s: %w", id, err)
			}
			failed = err
			out = append(out, DeleteResult{ID: id, Err: err})
			continue
		}
		out = append(out, DeleteResult{ID: id})
	}
	return out
}
