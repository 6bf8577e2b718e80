package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/counter"
)

// ActionType enumerates the automated mitigation actions a rule can
// attach.
type ActionType string

const (
	ActionBlockIP            ActionType = "block_ip"
	ActionRateLimitIP        ActionType = "rate_limit_ip"
	ActionLockAccount        ActionType = "lock_account"
	ActionRequireMFA         ActionType = "require_mfa"
	ActionAlertAdmin         ActionType = "alert_admin"
	ActionAlertUser          ActionType = "alert_user"
	ActionLogIncident        ActionType = "log_incident"
	ActionNotifySecurityTeam ActionType = "notify_security_team"
)

// Marker keys and default TTLs for the durable mitigation markers.
const (
	blockIPTTL     = time.Hour
	rateLimitTTL   = time.Hour
	lockAccountTTL = 30 * time.Minute
	requireMFATTL  = 24 * time.Hour
)

func blockedIPKey(ip string) string       { return "blocked_ip:" + ip }
func rateLimitedKey(ip string) string     { return "rate_limited_ip:" + ip }
func lockedAccountKey(user string) string { return "locked_account:" + user }
func mfaRequiredKey(user string) string   { return "mfa_required:" + user }

// Notifier delivers alert payloads to an administrative channel.
// Fire-and-forget from the pipeline's perspective.
type Notifier interface {
	Notify(ctx context.Context, subject string, payload map[string]interface{}) error
}

// FeedEntry is one record in a bounded notification feed.
type FeedEntry struct {
	Timestamp time.Time `json:"timestamp"`
	AlertID   string    `json:"alert_id"`
	RuleID    string    `json:"rule_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	UserID    string    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
}

// Feed is a bounded append-only feed; oldest entries are dropped first.
type Feed struct {
	mu      sync.RWMutex
	entries []FeedEntry
	max     int
}

// NewFeed creates a feed capped at max entries.
func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 1000
	}
	return &Feed{max: max}
}

// Append adds an entry, evicting the oldest past capacity.
func (f *Feed) Append(e FeedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) >= f.max {
		f.entries = f.entries[1:]
	}
	f.entries = append(f.entries, e)
}

// Recent returns up to n newest entries, newest first.
func (f *Feed) Recent(n int) []FeedEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n <= 0 || n > len(f.entries) {
		n = len(f.entries)
	}
	out := make([]FeedEntry, 0, n)
	for i := len(f.entries) - 1; i >= len(f.entries)-n; i-- {
		out = append(out, f.entries[i])
	}
	return out
}

// Len reports the current feed size.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// actionExecutor is one pluggable mitigation primitive.
type actionExecutor func(ctx context.Context, event *SecurityEvent, alert *SecurityAlert) error

// ResponseExecutor runs the mitigation actions attached to a triggered
// rule. Actions are idempotent and execute sequentially in rule order;
// one failure is logged and the rest still run.
//
// Block/lock state lives in TTL markers in the shared store with an
// in-process cache in front, so a restart does not silently unblock an
// IP whose marker has not expired.
type ResponseExecutor struct {
	logger   zerolog.Logger
	counters counter.Store
	notifier Notifier

	mu             sync.RWMutex
	blockedIPs     map[string]time.Time // ip → blocked until
	lockedAccounts map[string]time.Time // user → locked until

	AdminFeed    *Feed
	UserFeed     *Feed
	IncidentFeed *Feed

	executors map[ActionType]actionExecutor
}

// NewResponseExecutor creates an executor with all built-in actions
// registered. notifier may be nil; notify_security_team then degrades
// to a logged no-op.
func NewResponseExecutor(logger zerolog.Logger, counters counter.Store, notifier Notifier) *ResponseExecutor {
	rx := &ResponseExecutor{
		logger:         logger.With().Str("component", "response_executor").Logger(),
		counters:       counters,
		notifier:       notifier,
		blockedIPs:     make(map[string]time.Time),
		lockedAccounts: make(map[string]time.Time),
		AdminFeed:      NewFeed(1000),
		UserFeed:       NewFeed(1000),
		IncidentFeed:   NewFeed(1000),
	}
	rx.executors = map[ActionType]actionExecutor{
		ActionBlockIP:            rx.execBlockIP,
		ActionRateLimitIP:        rx.execRateLimitIP,
		ActionLockAccount:        rx.execLockAccount,
		ActionRequireMFA:         rx.execRequireMFA,
		ActionAlertAdmin:         rx.execAlertAdmin,
		ActionAlertUser:          rx.execAlertUser,
		ActionLogIncident:        rx.execLogIncident,
		ActionNotifySecurityTeam: rx.execNotifySecurityTeam,
	}
	return rx
}

// Execute runs the actions for one match, in order. Returns the list
// of actions that completed, for recording on the event.
func (rx *ResponseExecutor) Execute(ctx context.Context, actions []ActionType, event *SecurityEvent, alert *SecurityAlert) []string {
	executed := make([]string, 0, len(actions))
	for _, action := range actions {
		exec, ok := rx.executors[action]
		if !ok {
			rx.logger.Error().Str("action", string(action)).Msg("unknown response action")
			continue
		}
		if err := exec(ctx, event, alert); err != nil {
			rx.logger.Error().Err(err).
				Str("action", string(action)).
				Str("alert_id", alert.ID).
				Msg("response action failed, continuing")
			continue
		}
		rx.logger.Info().
			Str("action", string(action)).
			Str("alert_id", alert.ID).
			Msg("response action executed")
		executed = append(executed, string(action))
	}
	return executed
}

func (rx *ResponseExecutor) execBlockIP(ctx context.Context, event *SecurityEvent, _ *SecurityAlert) error {
	if event.IPAddress == "" {
		return fmt.Errorf("block_ip: event has no IP address")
	}
	until := time.Now().Add(blockIPTTL)
	if err := rx.counters.SetWithTTL(ctx, blockedIPKey(event.IPAddress), strconv.FormatInt(until.Unix(), 10), blockIPTTL); err != nil {
		return fmt.Errorf("block_ip marker: %w", err)
	}
	rx.mu.Lock()
	rx.blockedIPs[event.IPAddress] = until
	rx.mu.Unlock()
	return nil
}

func (rx *ResponseExecutor) execRateLimitIP(ctx context.Context, event *SecurityEvent, _ *SecurityAlert) error {
	if event.IPAddress == "" {
		return fmt.Errorf("rate_limit_ip: event has no IP address")
	}
	if err := rx.counters.SetWithTTL(ctx, rateLimitedKey(event.IPAddress), "1", rateLimitTTL); err != nil {
		return fmt.Errorf("rate_limit_ip marker: %w", err)
	}
	return nil
}

func (rx *ResponseExecutor) execLockAccount(ctx context.Context, event *SecurityEvent, _ *SecurityAlert) error {
	if event.UserID == "" {
		return fmt.Errorf("lock_account: event has no user ID")
	}
	until := time.Now().Add(lockAccountTTL)
	if err := rx.counters.SetWithTTL(ctx, lockedAccountKey(event.UserID), strconv.FormatInt(until.Unix(), 10), lockAccountTTL); err != nil {
		return fmt.Errorf("lock_account marker: %w", err)
	}
	rx.mu.Lock()
	rx.lockedAccounts[event.UserID] = until
	rx.mu.Unlock()
	return nil
}

func (rx *ResponseExecutor) execRequireMFA(ctx context.Context, event *SecurityEvent, _ *SecurityAlert) error {
	if event.UserID == "" {
		return fmt.Errorf("require_mfa: event has no user ID")
	}
	if err := rx.counters.SetWithTTL(ctx, mfaRequiredKey(event.UserID), "1", requireMFATTL); err != nil {
		return fmt.Errorf("require_mfa marker: %w", err)
	}
	return nil
}

func (rx *ResponseExecutor) feedEntry(event *SecurityEvent, alert *SecurityAlert, msg string) FeedEntry {
	return FeedEntry{
		Timestamp: time.Now().UTC(),
		AlertID:   alert.ID,
		RuleID:    alert.RuleID,
		Severity:  alert.Severity.String(),
		Message:   msg,
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
	}
}

func (rx *ResponseExecutor) execAlertAdmin(_ context.Context, event *SecurityEvent, alert *SecurityAlert) error {
	rx.AdminFeed.Append(rx.feedEntry(event, alert, alert.RuleName))
	return nil
}

func (rx *ResponseExecutor) execAlertUser(_ context.Context, event *SecurityEvent, alert *SecurityAlert) error {
	if event.UserID == "" {
		return fmt.Errorf("alert_user: event has no user ID")
	}
	rx.UserFeed.Append(rx.feedEntry(event, alert, alert.RuleName))
	return nil
}

func (rx *ResponseExecutor) execLogIncident(_ context.Context, event *SecurityEvent, alert *SecurityAlert) error {
	rx.IncidentFeed.Append(rx.feedEntry(event, alert, alert.RuleName))
	return nil
}

func (rx *ResponseExecutor) execNotifySecurityTeam(ctx context.Context, event *SecurityEvent, alert *SecurityAlert) error {
	if rx.notifier == nil {
		rx.logger.Warn().Str("alert_id", alert.ID).Msg("no notifier configured, notify_security_team skipped")
		return nil
	}
	return rx.notifier.Notify(ctx, alert.RuleName, map[string]interface{}{
		"alert_id":   alert.ID,
		"rule_id":    alert.RuleID,
		"severity":   alert.Severity.String(),
		"user_id":    event.UserID,
		"ip_address": event.IPAddress,
		"event_type": event.EventType,
		"timestamp":  event.Timestamp,
	})
}

// IsIPBlocked consults the in-process cache first, then falls back to
// the durable marker so restarts keep blocks in force.
func (rx *ResponseExecutor) IsIPBlocked(ctx context.Context, ip string) bool {
	rx.mu.RLock()
	until, ok := rx.blockedIPs[ip]
	rx.mu.RUnlock()
	if ok && time.Now().Before(until) {
		return true
	}

	val, found, err := rx.counters.GetValue(ctx, blockedIPKey(ip))
	if err != nil {
		rx.logger.Error().Err(err).Str("ip", ip).Msg("blocked-IP lookup failed")
		return false
	}
	if !found {
		return false
	}
	// Repopulate the cache from the durable marker.
	if ts, err := strconv.ParseInt(val, 10, 64); err == nil {
		rx.mu.Lock()
		rx.blockedIPs[ip] = time.Unix(ts, 0)
		rx.mu.Unlock()
	}
	return true
}

// IsAccountLocked mirrors IsIPBlocked for locked accounts.
func (rx *ResponseExecutor) IsAccountLocked(ctx context.Context, userID string) bool {
	rx.mu.RLock()
	until, ok := rx.lockedAccounts[userID]
	rx.mu.RUnlock()
	if ok && time.Now().Before(until) {
		return true
	}

	val, found, err := rx.counters.GetValue(ctx, lockedAccountKey(userID))
	if err != nil {
		rx.logger.Error().Err(err).Str("user", userID).Msg("locked-account lookup failed")
		return false
	}
	if !found {
		return false
	}
	if ts, err := strconv.ParseInt(val, 10, 64); err == nil {
		rx.mu.Lock()
		rx.lockedAccounts[userID] = time.Unix(ts, 0)
		rx.mu.Unlock()
	}
	return true
}

// BlockedCount reports currently cached active blocks. Metrics helper.
func (rx *ResponseExecutor) BlockedCount() int {
	rx.mu.RLock()
	defer rx.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, until := range rx.blockedIPs {
		if now.Before(until) {
			n++
		}
	}
	return n
}

// LockedCount reports currently cached active account locks.
func (rx *ResponseExecutor) LockedCount() int {
	rx.mu.RLock()
	defer rx.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, until := range rx.lockedAccounts {
		if now.Before(until) {
			n++
		}
	}
	return n
}

// DropCaches clears the in-process marker caches. Test helper for
// exercising the durable-marker fallback path.
func (rx *ResponseExecutor) DropCaches() {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	rx.blockedIPs = make(map[string]time.Time)
	rx.lockedAccounts = make(map[string]time.Time)
}
