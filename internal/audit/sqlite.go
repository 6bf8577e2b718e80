package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/careerhive/sentinel/internal/core"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id               TEXT PRIMARY KEY,
	timestamp        TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	ip_address       TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	action           TEXT NOT NULL,
	resource         TEXT NOT NULL,
	resource_id      TEXT NOT NULL DEFAULT '',
	outcome          TEXT NOT NULL,
	severity         TEXT NOT NULL,
	category         TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT 'null',
	before_state     TEXT NOT NULL DEFAULT 'null',
	after_state      TEXT NOT NULL DEFAULT 'null',
	risk_score       INTEGER NOT NULL,
	compliance_flags TEXT NOT NULL DEFAULT 'null',
	correlation_id   TEXT NOT NULL DEFAULT '',
	signature        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_entries(correlation_id);
`

// SQLiteStore is the shipped Store implementation. Append-only by
// construction; there are no UPDATE or DELETE statements here.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the audit database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalField(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Insert persists one entry.
func (s *SQLiteStore) Insert(ctx context.Context, e *Entry) error {
	metadata, err := marshalField(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	before, err := marshalField(e.BeforeState)
	if err != nil {
		return fmt.Errorf("encoding before state: %w", err)
	}
	after, err := marshalField(e.AfterState)
	if err != nil {
		return fmt.Errorf("encoding after state: %w", err)
	}
	flags, err := marshalField(e.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("encoding compliance flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, user_id, session_id, ip_address, user_agent,
			action, resource, resource_id, outcome, severity, category,
			description, metadata, before_state, after_state, risk_score,
			compliance_flags, correlation_id, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.UserID, e.SessionID,
		e.IPAddress, e.UserAgent, e.Action, e.Resource, e.ResourceID,
		string(e.Outcome), e.Severity.String(), string(e.Category),
		e.Description, metadata, before, after, e.RiskScore, flags,
		e.CorrelationID, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", e.ID, err)
	}
	return nil
}

func buildWhere(c Criteria) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if c.UserID != "" {
		add("user_id = ?", c.UserID)
	}
	if c.IPAddress != "" {
		add("ip_address = ?", c.IPAddress)
	}
	if c.Action != "" {
		add("action = ?", c.Action)
	}
	if c.Resource != "" {
		add("resource = ?", c.Resource)
	}
	if c.Outcome != "" {
		add("outcome = ?", string(c.Outcome))
	}
	if c.Category != "" {
		add("category = ?", string(c.Category))
	}
	if c.Severity != "" {
		add("severity = ?", strings.ToUpper(c.Severity))
	}
	if c.CorrelationID != "" {
		add("correlation_id = ?", c.CorrelationID)
	}
	if c.MinRiskScore > 0 {
		add("risk_score >= ?", c.MinRiskScore)
	}
	if c.MaxRiskScore > 0 {
		add("risk_score <= ?", c.MaxRiskScore)
	}
	if c.ComplianceFlag != "" {
		// Flags are stored as a JSON array of quoted strings.
		add("compliance_flags LIKE ?", `%"`+string(c.ComplianceFlag)+`"%`)
	}
	if !c.Start.IsZero() {
		add("timestamp >= ?", c.Start.UTC().Format(time.RFC3339Nano))
	}
	if !c.End.IsZero() {
		add("timestamp <= ?", c.End.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Search returns matching entries newest first plus the total match
// count.
func (s *SQLiteStore) Search(ctx context.Context, c Criteria) ([]*Entry, int, error) {
	where, args := buildWhere(c)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit entries: %w", err)
	}

	limit := c.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, timestamp, user_id, session_id, ip_address, user_agent,
		action, resource, resource_id, outcome, severity, category, description,
		metadata, before_state, after_state, risk_score, compliance_flags,
		correlation_id, signature
		FROM audit_entries` + where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, c.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading audit rows: %w", err)
	}
	return entries, total, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ts, outcome, severity, category, metadata, before, after, flags string
	err := rows.Scan(
		&e.ID, &ts, &e.UserID, &e.SessionID, &e.IPAddress, &e.UserAgent,
		&e.Action, &e.Resource, &e.ResourceID, &outcome, &severity, &category,
		&e.Description, &metadata, &before, &after, &e.RiskScore, &flags,
		&e.CorrelationID, &e.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning audit row: %w", err)
	}

	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp of entry %s: %w", e.ID, err)
	}
	e.Outcome = Outcome(outcome)
	e.Category = Category(category)
	e.Severity = core.ParseSeverity(severity)
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(before), &e.BeforeState); err != nil {
		return nil, fmt.Errorf("decoding before state of entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(after), &e.AfterState); err != nil {
		return nil, fmt.Errorf("decoding after state of entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &e.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("decoding compliance flags of entry %s: %w", e.ID, err)
	}
	return &e, nil
}
