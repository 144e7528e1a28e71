// Command event-tree prints the relay event log as a tree: a process run, its
// relays, and the provider and reply events under each relay.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "[event-tree] %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("event-tree", flag.ContinueOnError)
	var (
		dbPath    = fs.String("db", envOrDefault("RELAY_DB_PATH", "./chatrelay.db"), "SQLite database path")
		eventID   = fs.Int64("id", 0, "show the subtree of a specific event id")
		requestID = fs.String("request", "", "show the relay with this request id")
		maxDepth  = fs.Int("L", 0, "limit display depth (0 = unlimited)")
		jsonOut   = fs.Bool("json", false, "output JSON")
		noPayload = fs.Bool("no-payload", false, "hide payload fields")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, err := sql.Open("sqlite3", *dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := database.Ping(); err != nil {
		return fmt.Errorf("ping db %s: %w", *dbPath, err)
	}

	rootID := *eventID
	switch {
	case rootID != 0:
	case *requestID != "":
		rootID, err = requestRoot(database, *requestID)
	default:
		rootID, err = latestProcessRoot(database)
	}
	if err != nil {
		return err
	}

	events, err := querySubtree(database, rootID)
	if err != nil {
		return err
	}
	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	opts := renderOptions{maxDepth: *maxDepth, noPayload: *noPayload}
	if *jsonOut {
		return writeJSON(stdout, root, opts)
	}
	writeTree(stdout, root, opts)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestProcessRoot finds the newest relay process.started event.
func latestProcessRoot(database *sql.DB) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = 'relay'
		 ORDER BY id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("no relay process.started event found")
	}
	if err != nil {
		return 0, fmt.Errorf("find process root: %w", err)
	}
	return id, nil
}

// requestRoot finds the relay.received event carrying requestID.
func requestRoot(database *sql.DB, requestID string) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events WHERE event_type = 'relay.received'
		 AND json_extract(payload, '$.request_id') = ?
		 ORDER BY id DESC LIMIT 1`,
		requestID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no relay with request id %q", requestID)
	}
	if err != nil {
		return 0, fmt.Errorf("find request %s: %w", requestID, err)
	}
	return id, nil
}
