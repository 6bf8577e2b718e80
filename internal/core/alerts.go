package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// AlertStatus is the lifecycle state of a security alert.
type AlertStatus int

const (
	AlertStatusOpen AlertStatus = iota
	AlertStatusInvestigating
	AlertStatusResolved
	AlertStatusFalsePositive
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusOpen:
		return "OPEN"
	case AlertStatusInvestigating:
		return "INVESTIGATING"
	case AlertStatusResolved:
		return "RESOLVED"
	case AlertStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseAlertStatus(str)
	if !ok {
		return fmt.Errorf("unknown alert status %q", str)
	}
	*s = parsed
	return nil
}

// ParseAlertStatus maps a string to an AlertStatus.
func ParseAlertStatus(str string) (AlertStatus, bool) {
	switch strings.ToUpper(str) {
	case "OPEN":
		return AlertStatusOpen, true
	case "INVESTIGATING":
		return AlertStatusInvestigating, true
	case "RESOLVED":
		return AlertStatusResolved, true
	case "FALSE_POSITIVE":
		return AlertStatusFalsePositive, true
	default:
		return AlertStatusOpen, false
	}
}

// legalTransition enforces open → investigating → {resolved | false_positive}.
func legalTransition(from, to AlertStatus) bool {
	switch from {
	case AlertStatusOpen:
		return to == AlertStatusInvestigating
	case AlertStatusInvestigating:
		return to == AlertStatusResolved || to == AlertStatusFalsePositive
	default:
		return false
	}
}

// SecurityAlert aggregates one or more rule matches.
type SecurityAlert struct {
	ID              string       `json:"id"`
	RuleID          string       `json:"rule_id"`
	RuleName        string       `json:"rule_name"`
	Severity        Severity     `json:"severity"`
	AffectedUsers   []string     `json:"affected_users,omitempty"`
	AffectedIPs     []string     `json:"affected_ips,omitempty"`
	EventCount      int          `json:"event_count"`
	FirstSeen       time.Time    `json:"first_seen"`
	LastSeen        time.Time    `json:"last_seen"`
	Status          AlertStatus  `json:"status"`
	AssignedTo      string       `json:"assigned_to,omitempty"`
	Notes           []string     `json:"notes,omitempty"`
	ResponseActions []ActionType `json:"response_actions,omitempty"`
}

// Marshal serializes the alert to JSON.
func (a *SecurityAlert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertStore is the durable home of alerts. The manager's cache is an
// optimization; the store is authoritative.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *SecurityAlert) error
	UpdateAlert(ctx context.Context, alert *SecurityAlert) error
	GetAlert(ctx context.Context, id string) (*SecurityAlert, error)
	ListAlerts(ctx context.Context, limit int) ([]*SecurityAlert, error)
}

// AlertHandler receives newly created alerts.
type AlertHandler func(alert *SecurityAlert)

// AlertManager materializes rule matches into alerts and tracks their
// lifecycle. By default every threshold-crossing event creates a new
// alert; a dedup window can suppress repeats per rule+scope.
type AlertManager struct {
	mu          sync.Mutex
	logger      zerolog.Logger
	store       AlertStore
	cache       *lru.Cache[string, *SecurityAlert]
	handlers    []AlertHandler
	dedupWindow time.Duration
	lastMatch   map[string]time.Time
}

// NewAlertManager creates a manager with an LRU cache of the given
// size in front of the store. dedupWindow zero keeps the default
// one-alert-per-match behavior.
func NewAlertManager(logger zerolog.Logger, store AlertStore, cacheSize int, dedupWindow time.Duration) (*AlertManager, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *SecurityAlert](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating alert cache: %w", err)
	}
	return &AlertManager{
		logger:      logger.With().Str("component", "alert_manager").Logger(),
		store:       store,
		cache:       cache,
		dedupWindow: dedupWindow,
		lastMatch:   make(map[string]time.Time),
	}, nil
}

// AddHandler registers a callback invoked for each created alert.
func (am *AlertManager) AddHandler(h AlertHandler) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.handlers = append(am.handlers, h)
}

// OnMatch creates an alert for a rule match. Returns (nil, nil) when
// the optional dedup window suppressed the match.
func (am *AlertManager) OnMatch(ctx context.Context, event *SecurityEvent, rule *ThreatDetectionRule) (*SecurityAlert, error) {
	if am.dedupWindow > 0 {
		key := rule.ID + ":" + event.IPAddress + ":" + event.UserID
		now := time.Now()
		am.mu.Lock()
		// Expired entries can never suppress anything again; drop them
		// here so the map stays bounded by window activity.
		for k, last := range am.lastMatch {
			if now.Sub(last) >= am.dedupWindow {
				delete(am.lastMatch, k)
			}
		}
		if last, ok := am.lastMatch[key]; ok && now.Sub(last) < am.dedupWindow {
			am.mu.Unlock()
			am.logger.Debug().Str("rule", rule.ID).Msg("match suppressed by dedup window")
			return nil, nil
		}
		am.lastMatch[key] = now
		am.mu.Unlock()
	}

	alert := &SecurityAlert{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        rule.Severity,
		EventCount:      1,
		FirstSeen:       event.Timestamp,
		LastSeen:        event.Timestamp,
		Status:          AlertStatusOpen,
		ResponseActions: append([]ActionType(nil), rule.Actions...),
	}
	if event.UserID != "" {
		alert.AffectedUsers = []string{event.UserID}
	}
	if event.IPAddress != "" {
		alert.AffectedIPs = []string{event.IPAddress}
	}

	if err := am.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persisting alert: %w", err)
	}
	am.cache.Add(alert.ID, alert)

	am.mu.Lock()
	handlers := append([]AlertHandler(nil), am.handlers...)
	am.mu.Unlock()
	for _, h := range handlers {
		h(alert)
	}

	am.logger.Warn().
		Str("alert_id", alert.ID).
		Str("rule", rule.ID).
		Str("severity", alert.Severity.String()).
		Msg("security alert created")
	return alert, nil
}

// Get reads an alert, cache first, store on miss.
func (am *AlertManager) Get(ctx context.Context, id string) (*SecurityAlert, error) {
	if alert, ok := am.cache.Get(id); ok {
		return alert, nil
	}
	alert, err := am.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	am.cache.Add(id, alert)
	return alert, nil
}

// List returns the most recent alerts from the store.
func (am *AlertManager) List(ctx context.Context, limit int) ([]*SecurityAlert, error) {
	return am.store.ListAlerts(ctx, limit)
}

// SetStatus transitions an alert's status, enforcing the state machine.
func (am *AlertManager) SetStatus(ctx context.Context, id string, to AlertStatus) (*SecurityAlert, error) {
	alert, err := am.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !legalTransition(alert.Status, to) {
		return nil, fmt.Errorf("illegal alert transition %s → %s", alert.Status, to)
	}
	updated := *alert
	updated.Status = to
	if err := am.persist(ctx, &updated); err != nil {
		return nil, err
	}
	am.logger.Info().Str("alert_id", id).Str("status", to.String()).Msg("alert status changed")
	return &updated, nil
}

// Assign sets the alert's owner.
func (am *AlertManager) Assign(ctx context.Context, id, owner string) (*SecurityAlert, error) {
	alert, err := am.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *alert
	updated.AssignedTo = owner
	if err := am.persist(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// AddNote appends a free-text investigation note.
func (am *AlertManager) AddNote(ctx context.Context, id, note string) (*SecurityAlert, error) {
	alert, err := am.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *alert
	updated.Notes = append(append([]string(nil), alert.Notes...), note)
	if err := am.persist(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// persist writes the updated alert to the store and only then replaces
// the cached copy. A failed update leaves the cache serving the state
// the store still holds.
func (am *AlertManager) persist(ctx context.Context, alert *SecurityAlert) error {
	if err := am.store.UpdateAlert(ctx, alert); err != nil {
		return fmt.Errorf("updating alert %s: %w", alert.ID, err)
	}
	am.cache.Add(alert.ID, alert)
	return nil
}
