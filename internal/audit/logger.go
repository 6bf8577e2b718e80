package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/core"
	"github.com/careerhive/sentinel/internal/retry"
)

// Request carries the caller-supplied fields of an audit entry.
// Severity, risk score, category, compliance flags, and the signature
// are derived, never accepted from callers.
type Request struct {
	UserID        string                 `json:"user_id"`
	SessionID     string                 `json:"session_id"`
	IPAddress     string                 `json:"ip_address"`
	UserAgent     string                 `json:"user_agent"`
	Action        string                 `json:"action"`
	Resource      string                 `json:"resource"`
	ResourceID    string                 `json:"resource_id"`
	Outcome       Outcome                `json:"outcome"`
	Description   string                 `json:"description"`
	Metadata      map[string]interface{} `json:"metadata"`
	BeforeState   map[string]interface{} `json:"before_state"`
	AfterState    map[string]interface{} `json:"after_state"`
	CorrelationID string                 `json:"correlation_id"`
}

// SearchResult is a page of entries plus the integrity report for that
// page.
type SearchResult struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
	// IntegrityViolations lists the IDs of returned entries whose
	// signature failed verification. The entries are still returned;
	// hiding them would let tampering erase its own evidence.
	IntegrityViolations []string `json:"integrity_violations,omitempty"`
}

// Logger builds, signs, and persists audit entries.
type Logger struct {
	logger zerolog.Logger
	store  Store
	signer *Signer

	retryAttempts int
	retryBase     time.Duration
}

// NewLogger wires the audit trail.
func NewLogger(logger zerolog.Logger, store Store, signer *Signer) *Logger {
	return &Logger{
		logger:        logger.With().Str("component", "audit").Logger(),
		store:         store,
		signer:        signer,
		retryAttempts: 3,
		retryBase:     200 * time.Millisecond,
	}
}

// Log creates one signed audit entry. Every failure propagates: the
// caller's operation must not proceed unrecorded.
func (l *Logger) Log(ctx context.Context, req Request) (*Entry, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("audit entry requires an action")
	}
	if req.Resource == "" {
		return nil, fmt.Errorf("audit entry requires a resource")
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	severity := core.SeverityFor(req.Action, string(outcome))
	entry := &Entry{
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		Action:          req.Action,
		Resource:        req.Resource,
		ResourceID:      req.ResourceID,
		Outcome:         outcome,
		Severity:        severity,
		Category:        categoryFor(req.Action, req.Resource),
		Description:     req.Description,
		Metadata:        req.Metadata,
		BeforeState:     req.BeforeState,
		AfterState:      req.AfterState,
		RiskScore:       core.RiskScore(req.Action, string(outcome), severity),
		ComplianceFlags: complianceFlagsFor(req.Action, req.Resource),
		CorrelationID:   req.CorrelationID,
	}

	sig, err := l.signer.Sign(entry)
	if err != nil {
		return nil, fmt.Errorf("signing audit entry: %w", err)
	}
	entry.Signature = sig

	// Transient store blips get a few retries, but the error still
	// propagates once they are exhausted.
	err = retry.Do(ctx, l.retryAttempts, l.retryBase, func() error {
		return l.store.Insert(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting audit entry: %w", err)
	}

	l.logger.Info().
		Str("entry_id", entry.ID).
		Str("action", entry.Action).
		Str("resource", entry.Resource).
		Str("outcome", string(entry.Outcome)).
		Int("risk_score", entry.RiskScore).
		Msg("audit entry recorded")
	return entry, nil
}

// Search runs a criteria search and verifies every returned entry's
// signature.
func (l *Logger) Search(ctx context.Context, c Criteria) (*SearchResult, error) {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	entries, total, err := l.store.Search(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("searching audit trail: %w", err)
	}

	result := &SearchResult{
		Entries: entries,
		Total:   total,
		HasMore: c.Offset+len(entries) < total,
	}
	for _, e := range entries {
		if !l.signer.Verify(e) {
			result.IntegrityViolations = append(result.IntegrityViolations, e.ID)
			l.logger.Error().Str("entry_id", e.ID).Msg("audit entry failed integrity verification")
		}
	}
	return result, nil
}

// Verify exposes signature verification for single entries.
func (l *Logger) Verify(e *Entry) bool {
	return l.signer.Verify(e)
}
