package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jnesss/xpc-recorder/capture"
)

// Match is a capture event that matched a Sigma rule
type Match struct {
	ID             int64       `json:"id"`
	EventRow       int64       `json:"event_row,omitempty"`
	EventID        string      `json:"event_id"`
	RuleID         string      `json:"rule_id"`
	RuleName       string      `json:"rule_name"`
	Function       string      `json:"xpc_function"`
	ConnectionName string      `json:"connection_name"`
	ConnectionPID  capture.PID `json:"connection_pid"`
	PeerName       string      `json:"peer_name,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Severity       string      `json:"severity"`
	Status         string      `json:"status"`
	MatchDetails   []string    `json:"match_details"`
	EventData      string      `json:"event_data"`
	CreatedAt      time.Time   `json:"created_at"`
}

var validStatuses = map[string]bool{
	"new":            true,
	"in_progress":    true,
	"resolved":       true,
	"false_positive": true,
}

// InsertMatch stores a rule match. Severity defaults to medium and status
// to new.
func (db *DB) InsertMatch(m *Match) (int64, error) {
	matchDetailsJSON, err := json.Marshal(m.MatchDetails)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal match details: %v", err)
	}

	severity := m.Severity
	if severity == "" {
		severity = "medium"
	}
	status := m.Status
	if status == "" {
		status = "new"
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var pid sql.NullInt64
	if m.ConnectionPID.Known() {
		pid = sql.NullInt64{Int64: int64(m.ConnectionPID), Valid: true}
	}
	var eventRow sql.NullInt64
	if m.EventRow > 0 {
		eventRow = sql.NullInt64{Int64: m.EventRow, Valid: true}
	}

	query := `
	INSERT INTO sigma_matches (
		event_row,
		event_id,
		rule_id,
		rule_name,
		xpc_function,
		connection_name,
		connection_pid,
		peer_name,
		timestamp,
		severity,
		status,
		match_details,
		event_data,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := db.Db.Exec(
		query,
		eventRow,
		m.EventID,
		m.RuleID,
		m.RuleName,
		m.Function,
		m.ConnectionName,
		pid,
		m.PeerName,
		ts.UTC(),
		severity,
		status,
		string(matchDetailsJSON),
		m.EventData,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert match: %v", err)
	}
	return res.LastInsertId()
}

// ListMatches returns matches, newest first. Recognized filters are
// status, severity, rule and event; "all" or an empty value is ignored.
func (db *DB) ListMatches(limit int, offset int, filters map[string]string) ([]Match, error) {
	query := `
    SELECT
        id, event_row, event_id, rule_id, rule_name,
        xpc_function, connection_name, connection_pid, peer_name,
        timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	for _, f := range []struct{ key, column string }{
		{"status", "status"},
		{"severity", "severity"},
		{"rule", "rule_id"},
		{"event", "event_id"},
	} {
		if v, ok := filters[f.key]; ok && v != "" && v != "all" {
			whereClause = append(whereClause, f.column+" = ?")
			args = append(args, v)
		}
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var (
			match            Match
			eventRow, pid    sql.NullInt64
			fn, conn, peer   sql.NullString
			matchDetailsJSON sql.NullString
			eventData        sql.NullString
		)
		err := rows.Scan(
			&match.ID, &eventRow, &match.EventID, &match.RuleID, &match.RuleName,
			&fn, &conn, &pid, &peer,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventData, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		match.EventRow = eventRow.Int64
		match.Function = fn.String
		match.ConnectionName = conn.String
		match.PeerName = peer.String
		match.EventData = eventData.String
		match.ConnectionPID = capture.UnknownPID
		if pid.Valid {
			match.ConnectionPID = capture.PID(pid.Int64)
		}
		if matchDetailsJSON.Valid {
			json.Unmarshal([]byte(matchDetailsJSON.String), &match.MatchDetails)
		}
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

// MatchStats summarizes stored matches.
func (db *DB) MatchStats() (map[string]interface{}, error) {
	var matchedRules int
	err := db.Db.QueryRow("SELECT COUNT(*) FROM (SELECT DISTINCT rule_id FROM sigma_matches)").Scan(&matchedRules)
	if err != nil {
		return nil, err
	}

	sevCounts, err := db.countBy("severity")
	if err != nil {
		return nil, err
	}
	statusCounts, err := db.countBy("status")
	if err != nil {
		return nil, err
	}

	var last24h int
	yesterday := time.Now().Add(-24 * time.Hour).UTC()
	err = db.Db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?", yesterday).Scan(&last24h)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"matchedRules":   matchedRules,
		"alertsLast24h":  last24h,
		"severityCounts": sevCounts,
		"statusCounts":   statusCounts,
	}, nil
}

func (db *DB) countBy(column string) (map[string]int, error) {
	rows, err := db.Db.Query("SELECT " + column + ", COUNT(*) FROM sigma_matches GROUP BY " + column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// UpdateMatchStatus updates the status of a match
func (db *DB) UpdateMatchStatus(matchID int64, newStatus string) error {
	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	res, err := db.Db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("match %d: %w", matchID, ErrNotFound)
	}
	return nil
}
