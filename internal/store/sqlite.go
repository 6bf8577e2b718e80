// Package store provides the durable SQLite store for security events
// and alerts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/careerhive/sentinel/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON security_events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);

CREATE TABLE IF NOT EXISTS security_alerts (
	id         TEXT PRIMARY KEY,
	rule_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule ON security_alerts(rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_first_seen ON security_alerts(first_seen);
`

// SQLite implements core.EventStore and core.AlertStore over one
// database file. Events and alerts are stored as JSON payloads with the
// queried columns lifted out, so schema churn on the structs does not
// need migrations.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertEvent persists one security event.
func (s *SQLite) InsertEvent(ctx context.Context, event *core.SecurityEvent) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO security_events (id, event_type, timestamp, payload) VALUES (?, ?, ?, ?)",
		event.ID, event.EventType, event.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", event.ID, err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *SQLite) ListEvents(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM security_events ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		event, err := core.UnmarshalSecurityEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertAlert persists one alert.
func (s *SQLite) InsertAlert(ctx context.Context, alert *core.SecurityAlert) error {
	payload, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("encoding alert %s: %w", alert.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO security_alerts (id, rule_id, status, first_seen, payload) VALUES (?, ?, ?, ?, ?)",
		alert.ID, alert.RuleID, alert.Status.String(),
		alert.FirstSeen.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting alert %s: %w", alert.ID, err)
	}
	return nil
}

// UpdateAlert rewrites an existing alert.
func (s *SQLite) UpdateAlert(ctx context.Context, alert *core.SecurityAlert) error {
	payload, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("encoding alert %s: %w", alert.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE security_alerts SET status = ?, payload = ? WHERE id = ?",
		alert.Status.String(), string(payload), alert.ID,
	)
	if err != nil {
		return fmt.Errorf("updating alert %s: %w", alert.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating alert %s: %w", alert.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("alert %s not found", alert.ID)
	}
	return nil
}

// GetAlert reads one alert by ID.
func (s *SQLite) GetAlert(ctx context.Context, id string) (*core.SecurityAlert, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM security_alerts WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading alert %s: %w", id, err)
	}
	var alert core.SecurityAlert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("decoding alert %s: %w", id, err)
	}
	return &alert, nil
}

// ListAlerts returns the most recent alerts, newest first.
func (s *SQLite) ListAlerts(ctx context.Context, limit int) ([]*core.SecurityAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM security_alerts ORDER BY first_seen DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.SecurityAlert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		var alert core.SecurityAlert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("decoding alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}
