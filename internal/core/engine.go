package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/counter"
)

// RuleMatch is one rule that an event pushed to or past its threshold.
type RuleMatch struct {
	Rule  *ThreatDetectionRule
	Count int64
}

// evaluatorFunc decides whether an event satisfies a rule's condition.
// scopeValue is the IP, user ID, or "global" the window is keyed by.
type evaluatorFunc func(ctx context.Context, rule *ThreatDetectionRule, event *SecurityEvent, scopeValue string) (bool, int64, error)

// RuleEngine evaluates events against the registered rule set using
// windowed counters in the shared store. Rules are independent: an
// error in one is logged and skipped, never aborting the rest.
type RuleEngine struct {
	logger     zerolog.Logger
	counters   counter.Store
	registry   *RuleRegistry
	evaluators map[ConditionKind]evaluatorFunc
}

// NewRuleEngine creates an engine with the built-in condition
// evaluators registered.
func NewRuleEngine(logger zerolog.Logger, counters counter.Store, registry *RuleRegistry) *RuleEngine {
	re := &RuleEngine{
		logger:   logger.With().Str("component", "rule_engine").Logger(),
		counters: counters,
		registry: registry,
	}
	re.evaluators = map[ConditionKind]evaluatorFunc{
		KindMaxCount:          re.evalMaxCount,
		KindUniqueValues:      re.evalUniqueValues,
		KindMetadataThreshold: re.evalMetadataThreshold,
		KindGeoDistance:       re.evalGeoDistance,
	}
	return re
}

// Evaluate runs every applicable enabled rule against the event and
// returns the matches. A rule matches on every qualifying event at or
// past its threshold, not only at the crossing instant.
func (re *RuleEngine) Evaluate(ctx context.Context, event *SecurityEvent) []RuleMatch {
	matches := make([]RuleMatch, 0)

	for _, rule := range re.registry.RulesFor(event.EventType) {
		scopeValue, ok := scopeValueFor(rule.Condition.Scope, event)
		if !ok {
			// Rule needs a field this event does not carry: skip, not error.
			re.logger.Debug().
				Str("rule", rule.ID).
				Str("scope", string(rule.Condition.Scope)).
				Str("event_id", event.ID).
				Msg("event lacks scope field, rule skipped")
			continue
		}

		eval, ok := re.evaluators[rule.Condition.Kind]
		if !ok {
			re.logger.Error().Str("rule", rule.ID).Str("kind", string(rule.Condition.Kind)).Msg("no evaluator for condition kind")
			continue
		}

		matched, count, err := eval(ctx, rule, event, scopeValue)
		if err != nil {
			re.logger.Error().Err(err).Str("rule", rule.ID).Str("event_id", event.ID).Msg("rule evaluation failed, rule skipped")
			continue
		}
		if matched {
			re.logger.Warn().
				Str("rule", rule.ID).
				Str("event_id", event.ID).
				Str("scope_value", scopeValue).
				Int64("count", count).
				Msg("rule matched")
			matches = append(matches, RuleMatch{Rule: rule, Count: count})
		}
	}
	return matches
}

func scopeValueFor(scope RuleScope, event *SecurityEvent) (string, bool) {
	switch scope {
	case ScopePerIP:
		return event.IPAddress, event.IPAddress != ""
	case ScopePerUser:
		return event.UserID, event.UserID != ""
	case ScopeGlobal:
		return "global", true
	default:
		return "", false
	}
}

func counterKey(rule *ThreatDetectionRule, scopeValue string) string {
	return fmt.Sprintf("rule:%s:%s", rule.ID, scopeValue)
}

func (re *RuleEngine) window(rule *ThreatDetectionRule) time.Duration {
	return time.Duration(rule.Condition.WindowSeconds) * time.Second
}

// evalMaxCount counts qualifying events in the window; the increment
// and TTL arm are one atomic store operation, so no updates are lost
// under concurrency.
func (re *RuleEngine) evalMaxCount(ctx context.Context, rule *ThreatDetectionRule, _ *SecurityEvent, scopeValue string) (bool, int64, error) {
	count, err := re.counters.IncrementWithTTL(ctx, counterKey(rule, scopeValue), re.window(rule))
	if err != nil {
		return false, 0, err
	}
	return count >= rule.Condition.Threshold, count, nil
}

// evalUniqueValues counts distinct metadata values (e.g. usernames per
// IP) via set cardinality.
func (re *RuleEngine) evalUniqueValues(ctx context.Context, rule *ThreatDetectionRule, event *SecurityEvent, scopeValue string) (bool, int64, error) {
	member, ok := event.Metadata[rule.Condition.MetadataKey].(string)
	if !ok || member == "" {
		return false, 0, nil
	}
	card, err := re.counters.SetAdd(ctx, counterKey(rule, scopeValue), member, re.window(rule))
	if err != nil {
		return false, 0, err
	}
	return card >= rule.Condition.Threshold, card, nil
}

// evalMetadataThreshold compares a numeric metadata field directly
// against the rule threshold (e.g. export_size_mb).
func (re *RuleEngine) evalMetadataThreshold(_ context.Context, rule *ThreatDetectionRule, event *SecurityEvent, _ string) (bool, int64, error) {
	raw, ok := event.Metadata[rule.Condition.MetadataKey]
	if !ok {
		return false, 0, nil
	}
	value, err := toFloat(raw)
	if err != nil {
		return false, 0, fmt.Errorf("metadata %q: %w", rule.Condition.MetadataKey, err)
	}
	return value >= float64(rule.Condition.Threshold), int64(value), nil
}

// evalGeoDistance compares the event's coordinates against the user's
// last stored location. The current location is stored regardless of
// the outcome so the next event compares against it.
func (re *RuleEngine) evalGeoDistance(ctx context.Context, rule *ThreatDetectionRule, event *SecurityEvent, scopeValue string) (bool, int64, error) {
	if event.Geo == nil {
		return false, 0, nil
	}

	key := fmt.Sprintf("geo:last:%s", scopeValue)
	prev, found, err := re.counters.GetValue(ctx, key)

	current := fmt.Sprintf("%f,%f", event.Geo.Latitude, event.Geo.Longitude)
	if setErr := re.counters.SetWithTTL(ctx, key, current, re.window(rule)); setErr != nil {
		re.logger.Error().Err(setErr).Str("user", scopeValue).Msg("failed to store last location")
	}

	if err != nil {
		return false, 0, err
	}
	if !found {
		return false, 0, nil
	}

	lastLat, lastLon, err := parseCoords(prev)
	if err != nil {
		return false, 0, err
	}
	dist := haversineKm(lastLat, lastLon, event.Geo.Latitude, event.Geo.Longitude)
	return dist > rule.Condition.MaxDistanceKm, int64(dist), nil
}

// haversineKm returns the great-circle distance between two points in
// kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func parseCoords(s string) (float64, float64, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed stored location %q", s)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed longitude %q", parts[1])
	}
	return lat, lon, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
