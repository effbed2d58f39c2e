package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/xpc"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// EventRecord is a capture event as stored.
type EventRecord struct {
	RowID          int64           `json:"row_id"`
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Function       string          `json:"xpc_function"`
	Direction      string          `json:"direction"`
	Thread         string          `json:"thread"`
	ConnectionName string          `json:"connection_name"`
	ConnectionPID  capture.PID     `json:"connection_pid"`
	PeerName       string          `json:"peer_name,omitempty"`
	Message        json.RawMessage `json:"message"`
	Faults         []string        `json:"faults,omitempty"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Function   string
	Direction  string
	Connection string
	PID        int
	Since      time.Time
	Degraded   bool
	Limit      int
	Offset     int
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "xpc_recorder.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS capture_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL UNIQUE,
		timestamp       DATETIME NOT NULL,
		xpc_function    TEXT NOT NULL,
		direction       TEXT NOT NULL,
		thread          TEXT,
		connection_name TEXT,
		connection_pid  INTEGER,        -- NULL when the pid could not be read
		peer_name       TEXT,
		message         TEXT NOT NULL,  -- rendered message JSON
		faults          TEXT,           -- JSON array, NULL for clean captures
		degraded        BOOLEAN NOT NULL DEFAULT 0
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create capture_events table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_event_timestamp ON capture_events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_event_function ON capture_events(xpc_function);",
		"CREATE INDEX IF NOT EXISTS idx_event_connection ON capture_events(connection_name);",
		"CREATE INDEX IF NOT EXISTS idx_event_pid ON capture_events(connection_pid);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_row INTEGER,
        event_id TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        xpc_function TEXT,
        connection_name TEXT,
        connection_pid INTEGER,
        peer_name TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

// InsertEvent adds a capture event to the database and returns its row id
func (db *DB) InsertEvent(ev *capture.Event) (int64, error) {
	messageJSON := xpc.Render(ev.Message)

	var faultsJSON sql.NullString
	if len(ev.Faults) > 0 {
		b, err := json.Marshal(ev.Faults)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal faults: %v", err)
		}
		faultsJSON = sql.NullString{String: string(b), Valid: true}
	}

	var pid sql.NullInt64
	if ev.ConnectionPID.Known() {
		pid = sql.NullInt64{Int64: int64(ev.ConnectionPID), Valid: true}
	}

	query := `
        INSERT INTO capture_events (
            event_id, timestamp, xpc_function, direction, thread,
            connection_name, connection_pid, peer_name, message,
            faults, degraded
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(query,
		ev.ID,
		ev.Timestamp.UTC(),
		ev.Function,
		string(ev.Direction),
		ev.Thread,
		ev.ConnectionName,
		pid,
		ev.PeerName,
		string(messageJSON),
		faultsJSON,
		ev.Degraded(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %v", err)
	}
	return res.LastInsertId()
}

// Emit stores each captured event; it makes the database a capture sink.
func (db *DB) Emit(ev *capture.Event, _ []byte) error {
	_, err := db.InsertEvent(ev)
	return err
}

const eventColumns = `id, event_id, timestamp, xpc_function, direction, thread,
            connection_name, connection_pid, peer_name, message, faults`

func scanEvent(row interface{ Scan(...any) error }) (*EventRecord, error) {
	var (
		rec        EventRecord
		thread     sql.NullString
		connName   sql.NullString
		pid        sql.NullInt64
		peer       sql.NullString
		message    string
		faultsJSON sql.NullString
	)
	err := row.Scan(&rec.RowID, &rec.ID, &rec.Timestamp, &rec.Function, &rec.Direction,
		&thread, &connName, &pid, &peer, &message, &faultsJSON)
	if err != nil {
		return nil, err
	}
	rec.Thread = thread.String
	rec.ConnectionName = connName.String
	rec.PeerName = peer.String
	rec.Message = json.RawMessage(message)
	rec.ConnectionPID = capture.UnknownPID
	if pid.Valid {
		rec.ConnectionPID = capture.PID(pid.Int64)
	}
	if faultsJSON.Valid {
		if err := json.Unmarshal([]byte(faultsJSON.String), &rec.Faults); err != nil {
			return nil, fmt.Errorf("failed to parse faults of %s: %v", rec.ID, err)
		}
	}
	return &rec, nil
}

// ListEvents returns stored events, newest first.
func (db *DB) ListEvents(filter EventFilter) ([]EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM capture_events`

	whereClause := []string{}
	args := []interface{}{}

	if filter.Function != "" {
		whereClause = append(whereClause, "xpc_function = ?")
		args = append(args, filter.Function)
	}
	if filter.Direction != "" {
		whereClause = append(whereClause, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Connection != "" {
		whereClause = append(whereClause, "connection_name LIKE ?")
		args = append(args, "%"+filter.Connection+"%")
	}
	if filter.PID > 0 {
		whereClause = append(whereClause, "connection_pid = ?")
		args = append(args, filter.PID)
	}
	if !filter.Since.IsZero() {
		whereClause = append(whereClause, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Degraded {
		whereClause = append(whereClause, "degraded = 1")
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetEvent returns one event by its id.
func (db *DB) GetEvent(id string) (*EventRecord, error) {
	row := db.Db.QueryRow(`SELECT `+eventColumns+` FROM capture_events WHERE event_id = ?`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// CountEvents returns the number of stored events.
func (db *DB) CountEvents() (int, error) {
	var n int
	err := db.Db.QueryRow("SELECT COUNT(*) FROM capture_events").Scan(&n)
	return n, err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
