package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Process events.
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventConfigReloaded  = "config.reloaded"
	EventIdleEvicted     = "idle.evicted"
	EventMaintenance     = "maintenance.performed"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// Relay events.
const (
	EventRelayReceived     = "relay.received"
	EventRelayBlocked      = "relay.blocked"
	EventRelayThrottled    = "relay.throttled"
	EventCommandExecuted   = "command.executed"
	EventProviderCompleted = "provider.completed"
	EventProviderFailed    = "provider.failed"
	EventReplySent         = "reply.sent"
	EventReplyFailed       = "reply.failed"
)

const offsetKey = "poll_offset"

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events and state tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, timestamp);

		CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	return err
}

// LoadOffset returns the stored Telegram polling offset, or 0 when none has
// been saved.
func LoadOffset(database *sql.DB) (int64, error) {
	var raw string
	err := database.QueryRow(`SELECT value FROM state WHERE key = ?`, offsetKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load offset: %w", err)
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored offset %q: %w", raw, err)
	}
	return offset, nil
}

// SaveOffset stores the next polling offset. Offsets never move backwards.
func SaveOffset(database *sql.DB, offset int64) error {
	_, err := database.Exec(`
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = unixepoch()
		WHERE CAST(state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		offsetKey, strconv.FormatInt(offset, 10),
	)
	if err != nil {
		return fmt.Errorf("save offset: %w", err)
	}
	return nil
}

// CountEvents returns how many events of each type were logged under parentID
// at or after sinceUnix. A nil parentID counts across all processes.
func CountEvents(database *sql.DB, parentID *int64, sinceUnix int64) (map[string]int, error) {
	query := `SELECT event_type, COUNT(*) FROM events WHERE timestamp >= ?`
	args := []any{sinceUnix}
	if parentID != nil {
		query = `
			WITH RECURSIVE subtree(id) AS (
				SELECT id FROM events WHERE id = ?
				UNION ALL
				SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
			)
			SELECT event_type, COUNT(*) FROM events
			WHERE id IN (SELECT id FROM subtree) AND timestamp >= ?`
		args = []any{*parentID, sinceUnix}
	}
	query += ` GROUP BY event_type`

	rows, err := database.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}
