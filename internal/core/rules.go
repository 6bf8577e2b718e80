package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// RuleScope selects which event field identifies the counting window.
type RuleScope string

const (
	ScopePerIP   RuleScope = "per_ip"
	ScopePerUser RuleScope = "per_user"
	ScopeGlobal  RuleScope = "global"
)

// ConditionKind selects the evaluator strategy for a rule. Adding a
// kind means registering an evaluator, not editing a switch.
type ConditionKind string

const (
	KindMaxCount          ConditionKind = "max_count"
	KindUniqueValues      ConditionKind = "unique_values"
	KindMetadataThreshold ConditionKind = "metadata_threshold"
	KindGeoDistance       ConditionKind = "geo_distance"
)

// RuleCondition is the windowed condition attached to a rule.
type RuleCondition struct {
	Kind          ConditionKind `json:"kind" yaml:"kind"`
	Threshold     int64         `json:"threshold" yaml:"threshold"`
	WindowSeconds int           `json:"window_seconds" yaml:"window_seconds"`
	Scope         RuleScope     `json:"scope" yaml:"scope"`
	// MetadataKey names the event metadata field holding the counted
	// value (unique_values) or the compared number (metadata_threshold).
	MetadataKey   string  `json:"metadata_key,omitempty" yaml:"metadata_key"`
	MaxDistanceKm float64 `json:"max_distance_km,omitempty" yaml:"max_distance_km"`
}

// ThreatDetectionRule is a detection rule loaded at process start.
// Enable/disable is an administrative operation, not a hot-path one.
type ThreatDetectionRule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	EventTypes []string      `json:"event_types"`
	Condition  RuleCondition `json:"condition"`
	Severity   Severity      `json:"severity"`
	Actions    []ActionType  `json:"actions"`
	Enabled    bool          `json:"enabled"`
}

// AppliesTo reports whether the rule covers the given event type.
func (r *ThreatDetectionRule) AppliesTo(eventType string) bool {
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// RuleRegistry holds the active rule set, indexed by event type so the
// engine only touches rules that can match.
type RuleRegistry struct {
	mu        sync.RWMutex
	rules     map[string]*ThreatDetectionRule
	order     []string
	typeIndex map[string][]*ThreatDetectionRule
	logger    zerolog.Logger
}

// NewRuleRegistry creates an empty registry.
func NewRuleRegistry(logger zerolog.Logger) *RuleRegistry {
	return &RuleRegistry{
		rules:     make(map[string]*ThreatDetectionRule),
		typeIndex: make(map[string][]*ThreatDetectionRule),
		logger:    logger.With().Str("component", "rule_registry").Logger(),
	}
}

// Register adds a rule. Registering a duplicate ID is an error.
func (rr *RuleRegistry) Register(rule *ThreatDetectionRule) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, exists := rr.rules[rule.ID]; exists {
		return fmt.Errorf("rule %q already registered", rule.ID)
	}
	rr.rules[rule.ID] = rule
	rr.order = append(rr.order, rule.ID)
	for _, t := range rule.EventTypes {
		rr.typeIndex[t] = append(rr.typeIndex[t], rule)
	}

	rr.logger.Info().
		Str("rule", rule.ID).
		Str("kind", string(rule.Condition.Kind)).
		Str("scope", string(rule.Condition.Scope)).
		Bool("enabled", rule.Enabled).
		Msg("rule registered")
	return nil
}

// RulesFor returns the enabled rules covering an event type.
func (rr *RuleRegistry) RulesFor(eventType string) []*ThreatDetectionRule {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	candidates := rr.typeIndex[eventType]
	out := make([]*ThreatDetectionRule, 0, len(candidates))
	for _, r := range candidates {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// All returns every registered rule in registration order.
func (rr *RuleRegistry) All() []*ThreatDetectionRule {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	out := make([]*ThreatDetectionRule, 0, len(rr.order))
	for _, id := range rr.order {
		out = append(out, rr.rules[id])
	}
	return out
}

// Get returns a rule by ID.
func (rr *RuleRegistry) Get(id string) (*ThreatDetectionRule, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.rules[id]
	return r, ok
}

// SetEnabled flips a rule's enabled flag. Administrative surface.
func (rr *RuleRegistry) SetEnabled(id string, enabled bool) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	r, ok := rr.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	rr.logger.Info().Str("rule", id).Bool("enabled", enabled).Msg("rule toggled")
	return true
}

// DefaultRules is the built-in detection rule set for the job-search
// platform: credential attacks, session anomalies, and bulk data pulls.
func DefaultRules() []*ThreatDetectionRule {
	return []*ThreatDetectionRule{
		{
			ID:         "brute_force",
			Name:       "Brute Force Login Attempts",
			EventTypes: []string{"login_failed"},
			Condition: RuleCondition{
				Kind: KindMaxCount, Threshold: 5, WindowSeconds: 300, Scope: ScopePerIP,
			},
			Severity: SeverityHigh,
			Actions:  []ActionType{ActionBlockIP, ActionAlertAdmin, ActionLogIncident},
			Enabled:  true,
		},
		{
			ID:         "credential_stuffing",
			Name:       "Credential Stuffing",
			EventTypes: []string{"login_failed"},
			Condition: RuleCondition{
				Kind: KindUniqueValues, Threshold: 10, WindowSeconds: 600, Scope: ScopePerIP,
				MetadataKey: "username",
			},
			Severity: SeverityCritical,
			Actions:  []ActionType{ActionBlockIP, ActionNotifySecurityTeam, ActionAlertAdmin},
			Enabled:  true,
		},
		{
			ID:         "password_guessing",
			Name:       "Password Guessing Against One Account",
			EventTypes: []string{"login_failed"},
			Condition: RuleCondition{
				Kind: KindMaxCount, Threshold: 5, WindowSeconds: 900, Scope: ScopePerUser,
			},
			Severity: SeverityHigh,
			Actions:  []ActionType{ActionLockAccount, ActionAlertUser},
			Enabled:  true,
		},
		{
			ID:         "suspicious_location",
			Name:       "Login From Improbable Location",
			EventTypes: []string{"login_success"},
			Condition: RuleCondition{
				Kind: KindGeoDistance, WindowSeconds: 86400, Scope: ScopePerUser,
				MaxDistanceKm: 1000,
			},
			Severity: SeverityHigh,
			Actions:  []ActionType{ActionRequireMFA, ActionAlertUser, ActionAlertAdmin},
			Enabled:  true,
		},
		{
			ID:         "data_exfiltration",
			Name:       "Oversized Data Export",
			EventTypes: []string{"data_export"},
			Condition: RuleCondition{
				Kind: KindMetadataThreshold, Threshold: 500, WindowSeconds: 3600, Scope: ScopePerUser,
				MetadataKey: "export_size_mb",
			},
			Severity: SeverityCritical,
			Actions:  []ActionType{ActionRateLimitIP, ActionNotifySecurityTeam, ActionLogIncident},
			Enabled:  true,
		},
		{
			ID:         "api_abuse",
			Name:       "Excessive API Requests",
			EventTypes: []string{"api_request"},
			Condition: RuleCondition{
				Kind: KindMaxCount, Threshold: 1000, WindowSeconds: 60, Scope: ScopePerIP,
			},
			Severity: SeverityMedium,
			Actions:  []ActionType{ActionRateLimitIP},
			Enabled:  true,
		},
		{
			ID:         "privilege_escalation",
			Name:       "Repeated Permission Changes",
			EventTypes: []string{"permission_change"},
			Condition: RuleCondition{
				Kind: KindMaxCount, Threshold: 3, WindowSeconds: 3600, Scope: ScopePerUser,
			},
			Severity: SeverityCritical,
			Actions:  []ActionType{ActionNotifySecurityTeam, ActionAlertAdmin, ActionLogIncident},
			Enabled:  true,
		},
	}
}

// ruleFileSchema validates operator-supplied rule files before they
// reach the registry.
const ruleFileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "name", "event_types", "condition", "severity", "actions"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "name": {"type": "string", "minLength": 1},
      "event_types": {"type": "array", "items": {"type": "string"}, "minItems": 1},
      "condition": {
        "type": "object",
        "required": ["kind", "window_seconds", "scope"],
        "properties": {
          "kind": {"enum": ["max_count", "unique_values", "metadata_threshold", "geo_distance"]},
          "threshold": {"type": "integer", "minimum": 0},
          "window_seconds": {"type": "integer", "minimum": 1},
          "scope": {"enum": ["per_ip", "per_user", "global"]},
          "metadata_key": {"type": "string"},
          "max_distance_km": {"type": "number", "minimum": 0}
        }
      },
      "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
      "actions": {"type": "array", "items": {"type": "string"}},
      "enabled": {"type": "boolean"}
    }
  }
}`

// LoadRulesFile reads a JSON rule file, validates it against the rule
// schema, and returns the parsed rules.
func LoadRulesFile(path string) ([]*ThreatDetectionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleFileSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validating rules file: %w", err)
	}
	if !result.Valid() {
		msgs := ""
		for _, e := range result.Errors() {
			msgs += "; " + e.String()
		}
		return nil, fmt.Errorf("rules file %s is invalid%s", path, msgs)
	}

	var rules []*ThreatDetectionRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	return rules, nil
}
