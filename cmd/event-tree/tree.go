package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Event is one row of the events table with its children attached.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

func (ev *Event) payload() map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// querySubtree loads rootID and all of its descendants in id order.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree %d: %w", rootID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree links events to their parents and returns the node for rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ID == rootID || !ev.ParentID.Valid {
			continue
		}
		if parent, ok := byID[ev.ParentID.Int64]; ok && parent != ev {
			parent.Children = append(parent.Children, ev)
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool { return ev.Children[i].ID < ev.Children[j].ID })
	}
	return byID[rootID]
}

type renderOptions struct {
	maxDepth  int
	noPayload bool
}

// writeTree renders root with box-drawing connectors. Nodes cut off by
// maxDepth are shown as "[...]".
func writeTree(w io.Writer, root *Event, opts renderOptions) {
	fmt.Fprintln(w, formatEvent(root, opts.noPayload))
	writeChildren(w, root, "", 1, opts)
}

func writeChildren(w io.Writer, ev *Event, prefix string, depth int, opts renderOptions) {
	if len(ev.Children) == 0 {
		return
	}
	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		fmt.Fprintln(w, prefix+"└── [...]")
		return
	}
	for i, child := range ev.Children {
		last := i == len(ev.Children)-1
		connector, indent := "├── ", "│   "
		if last {
			connector, indent = "└── ", "    "
		}
		fmt.Fprintln(w, prefix+connector+formatEvent(child, opts.noPayload))
		writeChildren(w, child, prefix+indent, depth+1, opts)
	}
}

// formatEvent renders "[id] time  type  k=v ..." with keys sorted.
func formatEvent(ev *Event, noPayload bool) string {
	var b strings.Builder
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return b.String()
	}
	m := ev.payload()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(m[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth int, opts renderOptions) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !opts.noPayload {
		je.Payload = ev.payload()
	}
	if opts.maxDepth > 0 && depth >= opts.maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, opts))
	}
	return je
}

func writeJSON(w io.Writer, root *Event, opts renderOptions) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
