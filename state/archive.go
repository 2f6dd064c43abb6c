package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Archive is a SQLite-backed long-horizon sink for timeline events.
//
// The in-session timeline is a bounded ring buffer; the archive keeps the
// full event history in a single-file database inside the state directory
// (typically .state/archive.db) and supports querying by type and time
// range. Uses WAL mode for concurrent reads.
//
// Example:
//
//	archive, err := state.NewArchive(filepath.Join(store.Dir(), "archive.db"))
//	if err != nil {
//	    return err
//	}
//	defer archive.Close()
//	archive.Append(ctx, session.Timeline...)
type Archive struct {
	mu sync.Mutex
	db *sql.DB
}

// NewArchive opens (creating if needed) the archive database at path.
// ":memory:" is supported for tests.
func NewArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure archive: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS timeline_events (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			summary TEXT NOT NULL,
			data TEXT
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_timeline_type_ts ON timeline_events(type, ts)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive index: %w", err)
	}

	return &Archive{db: db}, nil
}

// Append persists events in order. Each event gets a ULID row id, so the
// same event appended twice archives twice (the archive is a log, not a
// set).
func (a *Archive) Append(ctx context.Context, events ...TimelineEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO timeline_events (id, ts, type, summary, data) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var dataJSON sql.NullString
		if ev.Data != nil {
			b, err := json.Marshal(ev.Data)
			if err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
			dataJSON = sql.NullString{String: string(b), Valid: true}
		}
		ts := ev.Ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		if _, err := stmt.ExecContext(ctx, ulid.Make().String(), ts, ev.Type, ev.Summary, dataJSON); err != nil {
			return fmt.Errorf("insert archive event: %w", err)
		}
	}
	return tx.Commit()
}

// EventsByType returns archived events of the given type within
// [since, until), ordered by timestamp. Zero bounds are open.
func (a *Archive) EventsByType(ctx context.Context, eventType string, since, until time.Time) ([]TimelineEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	query := "SELECT ts, type, summary, data FROM timeline_events WHERE type = ?"
	args := []any{eventType}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	}
	if !until.IsZero() {
		query += " AND ts < ?"
		args = append(args, until.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	}
	query += " ORDER BY ts"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var tsStr, typ, summary string
		var dataJSON sql.NullString
		if err := rows.Scan(&tsStr, &typ, &summary, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		ev := TimelineEvent{Type: typ, Summary: summary}
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			ev.Ts = Timestamp{ts}
		}
		if dataJSON.Valid {
			var data map[string]any
			if err := json.Unmarshal([]byte(dataJSON.String), &data); err == nil {
				ev.Data = data
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the total number of archived events.
func (a *Archive) Count(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM timeline_events").Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
