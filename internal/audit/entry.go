// Package audit implements the tamper-evident audit trail: signed
// entries, durable storage, search with integrity verification, and
// compliance exports.
//
// Unlike the security event pipeline, audit writes are must-succeed:
// every error propagates to the caller so the business operation that
// required the record can fail with it.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/careerhive/sentinel/internal/core"
)

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Category groups entries for search and reporting.
type Category string

const (
	CategoryAuth          Category = "authentication"
	CategoryAuthorization Category = "authorization"
	CategoryDataAccess    Category = "data_access"
	CategoryDataChange    Category = "data_change"
	CategoryAdmin         Category = "administration"
	CategorySecurity      Category = "security"
	CategoryGeneral       Category = "general"
)

// ComplianceFlag marks an entry as relevant to a compliance regime.
type ComplianceFlag string

const (
	FlagGDPR  ComplianceFlag = "GDPR"
	FlagPCI   ComplianceFlag = "PCI"
	FlagHIPAA ComplianceFlag = "HIPAA"
	FlagSOX   ComplianceFlag = "SOX"
)

// Entry is one audit record. Signature covers the identity fields via
// the canonical payload; an entry whose signature does not verify is
// untrusted.
type Entry struct {
	ID              string                 `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	UserID          string                 `json:"user_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	Action          string                 `json:"action"`
	Resource        string                 `json:"resource"`
	ResourceID      string                 `json:"resource_id,omitempty"`
	Outcome         Outcome                `json:"outcome"`
	Severity        core.Severity          `json:"severity"`
	Category        Category               `json:"category"`
	Description     string                 `json:"description,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	BeforeState     map[string]interface{} `json:"before_state,omitempty"`
	AfterState      map[string]interface{} `json:"after_state,omitempty"`
	RiskScore       int                    `json:"risk_score"`
	ComplianceFlags []ComplianceFlag       `json:"compliance_flags,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	Signature       string                 `json:"signature,omitempty"`
}

// Marshal serializes the entry to JSON.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// categoryFor derives the entry category from action and resource.
func categoryFor(action, resource string) Category {
	action = strings.ToLower(action)
	resource = strings.ToLower(resource)
	switch {
	case strings.Contains(action, "login") || strings.Contains(action, "logout") ||
		strings.Contains(action, "auth") || strings.Contains(action, "password"):
		return CategoryAuth
	case strings.Contains(action, "permission") || strings.Contains(action, "privilege") ||
		strings.Contains(action, "role"):
		return CategoryAuthorization
	case strings.Contains(action, "admin") || strings.Contains(resource, "admin"):
		return CategoryAdmin
	case strings.Contains(action, "block") || strings.Contains(action, "lock") ||
		strings.Contains(resource, "security"):
		return CategorySecurity
	case strings.Contains(action, "create") || strings.Contains(action, "update") ||
		strings.Contains(action, "modify") || strings.Contains(action, "delete"):
		return CategoryDataChange
	case strings.Contains(action, "view") || strings.Contains(action, "read") ||
		strings.Contains(action, "search") || strings.Contains(action, "export") ||
		strings.Contains(action, "download"):
		return CategoryDataAccess
	default:
		return CategoryGeneral
	}
}

// complianceFlagsFor marks entries touching regulated data. Resume and
// profile data carry personal information; payment resources are in PCI
// scope; permission and admin changes matter for SOX audits.
func complianceFlagsFor(action, resource string) []ComplianceFlag {
	action = strings.ToLower(action)
	resource = strings.ToLower(resource)
	var flags []ComplianceFlag
	if strings.Contains(resource, "user") || strings.Contains(resource, "profile") ||
		strings.Contains(resource, "resume") || strings.Contains(action, "export") ||
		strings.Contains(action, "delete") {
		flags = append(flags, FlagGDPR)
	}
	if strings.Contains(resource, "payment") || strings.Contains(resource, "billing") ||
		strings.Contains(resource, "card") {
		flags = append(flags, FlagPCI)
	}
	if strings.Contains(resource, "medical") || strings.Contains(resource, "health") {
		flags = append(flags, FlagHIPAA)
	}
	if strings.Contains(action, "permission") || strings.Contains(action, "privilege") ||
		strings.Contains(action, "admin") || strings.Contains(resource, "financial") {
		flags = append(flags, FlagSOX)
	}
	return flags
}
