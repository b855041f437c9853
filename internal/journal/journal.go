// Package journal persists lifecycle events to a local SQLite file.
//
// The journal is strictly best-effort observability: it is written from a
// background subscriber, any open or write error disables it for the rest
// of the process, and its absence or corruption never blocks a boot.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/shinkei/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      TEXT NOT NULL,
	type    TEXT NOT NULL,
	source  TEXT NOT NULL DEFAULT '',
	target  TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_at ON lifecycle_events (at);
`

// Entry is one journaled lifecycle event.
type Entry struct {
	ID      int64
	At      time.Time
	Type    string
	Source  string
	Target  string
	Payload map[string]any
}

// Journal is an append-only lifecycle event log. The zero-value-like result
// of a failed Open is still safe to use: every method becomes a no-op.
type Journal struct {
	logger *slog.Logger

	mu       sync.Mutex
	db       *sql.DB
	disabled bool
}

// Open creates or opens the journal at path. Open never fails the caller:
// on error it logs once and returns a disabled journal.
func Open(path string, logger *slog.Logger) *Journal {
	j := &Journal{logger: logger}
	if path == "" {
		j.disabled = true
		return j
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logger.Warn("journal: disabled, open failed", "path", path, "error", err)
		j.disabled = true
		return j
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		logger.Warn("journal: disabled, schema failed", "path", path, "error", err)
		_ = db.Close()
		j.disabled = true
		return j
	}

	j.db = db
	logger.Info("journal: recording lifecycle events", "path", path)
	return j
}

// Record appends one event. Errors disable the journal and are logged once.
func (j *Journal) Record(ev registry.Event) {
	j.append(ev.At, string(ev.Type), ev.Source, ev.Target, ev.Payload)
}

// Mark appends a synthetic event for a boot or shutdown milestone.
func (j *Journal) Mark(kind string, details map[string]any) {
	j.append(time.Now().UTC(), kind, "launcher", "", details)
}

func (j *Journal) append(at time.Time, typ, source, target string, payload map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return
	}

	var payloadJSON string
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			payloadJSON = string(b)
		}
	}

	_, err := j.db.Exec(
		`INSERT INTO lifecycle_events (at, type, source, target, payload) VALUES (?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), typ, source, target, payloadJSON,
	)
	if err != nil {
		j.logger.Warn("journal: disabled, write failed", "error", err)
		j.disabled = true
	}
}

// Recent returns the latest n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return nil, nil
	}

	rows, err := j.db.Query(
		`SELECT id, at, type, source, target, payload
		 FROM lifecycle_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			at, payload string
		)
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.Source, &e.Target, &payload); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database. Safe on a disabled journal.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db != nil {
		_ = j.db.Close()
		j.db = nil
	}
	j.disabled = true
}
