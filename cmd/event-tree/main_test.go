package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

func testDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	database, err := db.OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { database.Close() })
	return database, path
}

func logEvent(t *testing.T, database *sql.DB, parent *int64, typ string, payload map[string]any) int64 {
	t.Helper()
	id, err := db.LogEvent(database, parent, typ, payload)
	require.NoError(t, err)
	return id
}

// seedRelayTree inserts one relay process run:
//
//	process.started (relay)      id=1
//	├── config.reloaded          id=2
//	├── relay.received req-a     id=3
//	│   ├── provider.completed   id=4
//	│   └── reply.sent           id=5
//	├── relay.received req-b     id=6
//	│   └── relay.throttled      id=7
//	└── process.stopped          id=8
func seedRelayTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	root := logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 100})
	logEvent(t, database, &root, db.EventConfigReloaded, map[string]any{"available": []string{"openrouter"}})
	a := logEvent(t, database, &root, db.EventRelayReceived, map[string]any{"request_id": "req-a", "trigger": "direct"})
	logEvent(t, database, &a, db.EventProviderCompleted, map[string]any{"request_id": "req-a", "provider": "openrouter", "total_tokens": 42})
	logEvent(t, database, &a, db.EventReplySent, map[string]any{"request_id": "req-a", "chunks": 1})
	b := logEvent(t, database, &root, db.EventRelayReceived, map[string]any{"request_id": "req-b", "trigger": "mention"})
	logEvent(t, database, &b, db.EventRelayThrottled, map[string]any{"request_id": "req-b", "kind": "cooldown", "remaining": 4.5})
	logEvent(t, database, &root, db.EventProcessStopped, nil)
	return root
}

func TestLatestProcessRoot(t *testing.T) {
	database, _ := testDB(t)

	_, err := latestProcessRoot(database)
	assert.Error(t, err, "empty log")

	seedRelayTree(t, database)
	second := logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "relay", "pid": 200})
	logEvent(t, database, nil, db.EventProcessStarted, map[string]any{"role": "other"})

	got, err := latestProcessRoot(database)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestRequestRoot(t *testing.T) {
	database, _ := testDB(t)
	seedRelayTree(t, database)

	got, err := requestRoot(database, "req-b")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	_, err = requestRoot(database, "missing")
	assert.Error(t, err)
}

func TestQuerySubtreeAndBuildTree(t *testing.T) {
	database, _ := testDB(t)
	root := seedRelayTree(t, database)

	events, err := querySubtree(database, root)
	require.NoError(t, err)
	assert.Len(t, events, 8)

	tree := buildTree(events, root)
	require.NotNil(t, tree)
	require.Len(t, tree.Children, 4)
	assert.Equal(t, db.EventRelayReceived, tree.Children[1].EventType)
	assert.Len(t, tree.Children[1].Children, 2)

	events, err = querySubtree(database, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	sub := buildTree(events, 3)
	require.NotNil(t, sub)
	assert.Len(t, sub.Children, 2)
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: db.EventRelayThrottled,
		Payload:   sql.NullString{String: `{"remaining":4.5,"kind":"cooldown","limit":10}`, Valid: true},
	}
	assert.Equal(t, "[42] 2025-02-17 08:30:01  relay.throttled  kind=cooldown  limit=10  remaining=4.5", formatEvent(ev, false))
	assert.Equal(t, "[42] 2025-02-17 08:30:01  relay.throttled", formatEvent(ev, true))

	ev.Payload = sql.NullString{}
	assert.Equal(t, "[42] 2025-02-17 08:30:01  relay.throttled", formatEvent(ev, false))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "42", formatValue(float64(42)))
	assert.Equal(t, "[openrouter,deepseek]", formatValue([]any{"openrouter", "deepseek"}))
	long := formatValue(strings.Repeat("a", 100))
	assert.True(t, strings.HasSuffix(long, `..."`))
	assert.Equal(t, "true", formatValue(true))
}

func TestWriteTree(t *testing.T) {
	database, _ := testDB(t)
	root := seedRelayTree(t, database)
	events, err := querySubtree(database, root)
	require.NoError(t, err)
	tree := buildTree(events, root)

	var buf bytes.Buffer
	writeTree(&buf, tree, renderOptions{noPayload: true})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[0], "process.started")
	assert.True(t, strings.HasPrefix(lines[2], "├── [3]"))
	assert.True(t, strings.HasPrefix(lines[3], "│   ├── [4]"))
	assert.True(t, strings.HasPrefix(lines[4], "│   └── [5]"))
	assert.True(t, strings.HasPrefix(lines[7], "└── [8]"))

	buf.Reset()
	writeTree(&buf, tree, renderOptions{maxDepth: 2, noPayload: true})
	out := buf.String()
	assert.NotContains(t, out, "provider.completed")
	assert.Contains(t, out, "│   └── [...]")

	buf.Reset()
	writeTree(&buf, tree, renderOptions{maxDepth: 1})
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}

func TestWriteJSON(t *testing.T) {
	database, _ := testDB(t)
	root := seedRelayTree(t, database)
	events, err := querySubtree(database, root)
	require.NoError(t, err)
	tree := buildTree(events, root)

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, tree, renderOptions{maxDepth: 2}))
	var je jsonEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &je))
	assert.Equal(t, db.EventProcessStarted, je.EventType)
	assert.Equal(t, "relay", je.Payload["role"])
	require.Len(t, je.Children, 4)
	for _, c := range je.Children {
		assert.Empty(t, c.Children)
	}

	buf.Reset()
	require.NoError(t, writeJSON(&buf, tree, renderOptions{noPayload: true}))
	assert.NotContains(t, buf.String(), `"role"`)
}

func TestRun(t *testing.T) {
	database, path := testDB(t)
	seedRelayTree(t, database)

	var buf bytes.Buffer
	require.NoError(t, run([]string{"-db", path}, &buf))
	assert.Contains(t, buf.String(), "role=relay")
	assert.Contains(t, buf.String(), "request_id=req-b")

	buf.Reset()
	require.NoError(t, run([]string{"-db", path, "-request", "req-a", "-no-payload"}, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "relay.received")

	buf.Reset()
	require.NoError(t, run([]string{"-db", path, "-id", "6", "-json"}, &buf))
	var je jsonEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &je))
	assert.Equal(t, int64(6), je.ID)
	require.Len(t, je.Children, 1)
	assert.Equal(t, db.EventRelayThrottled, je.Children[0].EventType)

	assert.Error(t, run([]string{"-db", path, "-id", "999"}, &buf))
}
