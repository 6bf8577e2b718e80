package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careerhive/sentinel/internal/geoip"
)

// Severity represents the severity level of a security event or alert.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity maps a string to a Severity, defaulting to LOW.
func ParseSeverity(str string) Severity {
	switch strings.ToUpper(str) {
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// SecurityEvent is a single observation in the monitoring pipeline.
// It is immutable once created: resolution status lives on the derived
// alert, never on the event.
type SecurityEvent struct {
	ID              string                 `json:"id"`
	EventType       string                 `json:"event_type"`
	Severity        Severity               `json:"severity"`
	RiskScore       int                    `json:"risk_score"`
	UserID          string                 `json:"user_id,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	Geo             *geoip.Location        `json:"geo,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	ResponseActions []string               `json:"response_actions,omitempty"`
}

// NewSecurityEvent creates an event with a generated ID, current
// timestamp, and severity/risk derived from its action and outcome.
func NewSecurityEvent(eventType string, metadata map[string]interface{}, userID, ipAddress, userAgent string) *SecurityEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	action, outcome := actionOutcome(eventType, metadata)
	severity := SeverityFor(action, outcome)
	return &SecurityEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		Severity:  severity,
		RiskScore: RiskScore(action, outcome, severity),
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// actionOutcome pulls the action and outcome strings out of event
// metadata, falling back to the event type as the action.
func actionOutcome(eventType string, metadata map[string]interface{}) (string, string) {
	action := eventType
	if a, ok := metadata["action"].(string); ok && a != "" {
		action = a
	}
	outcome := ""
	if o, ok := metadata["outcome"].(string); ok {
		outcome = o
	}
	return action, outcome
}

// SeverityFor derives severity from an action string and its outcome.
// Pure and total: every input maps to one of the four levels.
func SeverityFor(action, outcome string) Severity {
	a := strings.ToLower(action)
	failed := outcome == "failure" || outcome == "error"

	if failed && strings.Contains(a, "privilege") {
		return SeverityCritical
	}
	if failed && (strings.Contains(a, "auth") || strings.Contains(a, "login") || strings.Contains(a, "permission")) {
		return SeverityHigh
	}
	if strings.Contains(a, "admin") || strings.Contains(a, "privilege") {
		return SeverityHigh
	}
	if strings.Contains(a, "delete") || strings.Contains(a, "modify") {
		return SeverityMedium
	}
	return SeverityLow
}

// RiskScore derives a 0-10 risk score from event attributes:
// base 1, +3 for a failure/error outcome, +4/+3/+2 for critical/high/
// medium severity, +2 for "admin", +2 for "delete", +3 for "privilege"
// in the action, capped at 10.
func RiskScore(action, outcome string, severity Severity) int {
	a := strings.ToLower(action)
	score := 1

	if outcome == "failure" || outcome == "error" {
		score += 3
	}
	switch severity {
	case SeverityCritical:
		score += 4
	case SeverityHigh:
		score += 3
	case SeverityMedium:
		score += 2
	}
	if strings.Contains(a, "admin") {
		score += 2
	}
	if strings.Contains(a, "delete") {
		score += 2
	}
	if strings.Contains(a, "privilege") {
		score += 3
	}
	if score > 10 {
		score = 10
	}
	return score
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
