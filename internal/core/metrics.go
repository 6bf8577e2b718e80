package core

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline counters, exported both as a JSON snapshot
// on the API and as Prometheus collectors.
type Metrics struct {
	totalEvents  atomic.Int64
	ruleMatches  atomic.Int64
	alertsBySev  [4]atomic.Int64
	droppedWrite atomic.Int64

	promEvents  *prometheus.CounterVec
	promMatches *prometheus.CounterVec
	promAlerts  *prometheus.CounterVec
	promActions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil
// reg keeps the snapshot counters working without Prometheus.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel", Name: "events_total",
			Help: "Security events ingested, by event type.",
		}, []string{"event_type"}),
		promMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel", Name: "rule_matches_total",
			Help: "Threat rule matches, by rule.",
		}, []string{"rule"}),
		promAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel", Name: "alerts_total",
			Help: "Alerts created, by severity.",
		}, []string{"severity"}),
		promActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel", Name: "response_actions_total",
			Help: "Response actions executed, by action.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.promEvents, m.promMatches, m.promAlerts, m.promActions)
	}
	return m
}

// EventIngested records one ingested event.
func (m *Metrics) EventIngested(eventType string) {
	m.totalEvents.Add(1)
	m.promEvents.WithLabelValues(eventType).Inc()
}

// RuleMatched records a rule match.
func (m *Metrics) RuleMatched(ruleID string) {
	m.ruleMatches.Add(1)
	m.promMatches.WithLabelValues(ruleID).Inc()
}

// AlertCreated records a created alert.
func (m *Metrics) AlertCreated(severity Severity) {
	if severity >= SeverityLow && severity <= SeverityCritical {
		m.alertsBySev[severity].Add(1)
	}
	m.promAlerts.WithLabelValues(severity.String()).Inc()
}

// ActionExecuted records a completed response action.
func (m *Metrics) ActionExecuted(action string) {
	m.promActions.WithLabelValues(action).Inc()
}

// EventWriteDropped records a persistence failure swallowed by the
// best-effort event path.
func (m *Metrics) EventWriteDropped() {
	m.droppedWrite.Add(1)
}

// Snapshot is the point-in-time metrics view served by the API.
type Snapshot struct {
	TotalEvents      int64            `json:"total_events"`
	RuleMatches      int64            `json:"rule_matches"`
	AlertsBySeverity map[string]int64 `json:"alerts_by_severity"`
	BlockedIPs       int              `json:"blocked_ips"`
	LockedAccounts   int              `json:"locked_accounts"`
	DroppedWrites    int64            `json:"dropped_event_writes"`
}

// SnapshotWith builds a snapshot, pulling block/lock counts from the
// response executor.
func (m *Metrics) SnapshotWith(rx *ResponseExecutor) Snapshot {
	s := Snapshot{
		TotalEvents:      m.totalEvents.Load(),
		RuleMatches:      m.ruleMatches.Load(),
		AlertsBySeverity: make(map[string]int64, 4),
		DroppedWrites:    m.droppedWrite.Load(),
	}
	for sev := SeverityLow; sev <= SeverityCritical; sev++ {
		s.AlertsBySeverity[sev.String()] = m.alertsBySev[sev].Load()
	}
	if rx != nil {
		s.BlockedIPs = rx.BlockedCount()
		s.LockedAccounts = rx.LockedCount()
	}
	return s
}
