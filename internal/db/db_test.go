package db

import (
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('events','state')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"events", "state"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}

	// Idempotent.
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "relay", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventRelayReceived, map[string]any{"chat_id": 456})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	// Verify timestamp is non-zero.
	var ts int64
	err = db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts)
	if err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	// Verify payload is valid JSON.
	var payloadStr string
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "relay" {
		t.Errorf("expected role=relay, got %v", payload["role"])
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventRelayReceived, map[string]any{"chat_id": 1})
	if err != nil {
		t.Fatal(err)
	}

	childID, err := LogEvent(db, &parentID, EventProviderCompleted, map[string]any{"model": "deepseek-chat"})
	if err != nil {
		t.Fatal(err)
	}

	// Verify parent_id is stored correctly.
	var storedParent int64
	err = db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent)
	if err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}

	// Verify root event has NULL parent_id.
	var nullParent sql.NullInt64
	err = db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent)
	if err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}
}

func TestOffset_RoundTrip(t *testing.T) {
	db := testDB(t)

	offset, err := LoadOffset(db)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Errorf("expected 0 for empty state, got %d", offset)
	}

	if err := SaveOffset(db, 201); err != nil {
		t.Fatal(err)
	}
	offset, err = LoadOffset(db)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 201 {
		t.Errorf("expected 201, got %d", offset)
	}
}

func TestSaveOffset_NeverMovesBackwards(t *testing.T) {
	db := testDB(t)

	for _, v := range []int64{100, 300, 200} {
		if err := SaveOffset(db, v); err != nil {
			t.Fatal(err)
		}
	}
	offset, err := LoadOffset(db)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 300 {
		t.Errorf("expected 300, got %d", offset)
	}
}

func TestCountEvents(t *testing.T) {
	db := testDB(t)

	rootA, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "relay"})
	reqA, _ := LogEvent(db, &rootA, EventRelayReceived, nil)
	LogEvent(db, &reqA, EventReplySent, nil)
	LogEvent(db, &reqA, EventReplySent, nil)

	rootB, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "relay"})
	LogEvent(db, &rootB, EventRelayReceived, nil)

	all, err := CountEvents(db, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if all[EventRelayReceived] != 2 || all[EventReplySent] != 2 || all[EventProcessStarted] != 2 {
		t.Errorf("unexpected global counts: %v", all)
	}

	scoped, err := CountEvents(db, &rootA, 0)
	if err != nil {
		t.Fatal(err)
	}
	if scoped[EventRelayReceived] != 1 || scoped[EventReplySent] != 2 || scoped[EventProcessStarted] != 1 {
		t.Errorf("unexpected scoped counts: %v", scoped)
	}

	future, err := CountEvents(db, nil, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	if len(future) != 0 {
		t.Errorf("expected no events in the future, got %v", future)
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventReplySent, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Errorf("expected positive id, got %d", id)
	}

	// Verify payload is NULL.
	var payload sql.NullString
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}
