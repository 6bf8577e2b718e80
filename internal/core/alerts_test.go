package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memAlertStore is an in-memory AlertStore for tests.
type memAlertStore struct {
	mu      sync.Mutex
	alerts  map[string]*SecurityAlert
	order   []string
	failIns bool
	failUpd bool
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{alerts: make(map[string]*SecurityAlert)}
}

func (s *memAlertStore) InsertAlert(_ context.Context, alert *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIns {
		return fmt.Errorf("insert failed")
	}
	cp := *alert
	s.alerts[alert.ID] = &cp
	s.order = append(s.order, alert.ID)
	return nil
}

func (s *memAlertStore) UpdateAlert(_ context.Context, alert *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpd {
		return fmt.Errorf("update failed")
	}
	if _, ok := s.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert %s not found", alert.ID)
	}
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *memAlertStore) GetAlert(_ context.Context, id string) (*SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	cp := *alert
	return &cp, nil
}

func (s *memAlertStore) ListAlerts(_ context.Context, limit int) ([]*SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SecurityAlert, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.alerts[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func testAlertManager(t *testing.T, store AlertStore, dedup time.Duration) *AlertManager {
	t.Helper()
	am, err := NewAlertManager(zerolog.Nop(), store, 16, dedup)
	if err != nil {
		t.Fatal(err)
	}
	return am
}

func TestAlertManager_OnMatchFields(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, 0)
	rule := bruteForceRule(5, 300)

	event := NewSecurityEvent("login_failed", nil, "user-9", "203.0.113.5", "")
	alert, err := am.OnMatch(context.Background(), event, rule)
	if err != nil {
		t.Fatal(err)
	}
	if alert.ID == "" {
		t.Error("alert has no ID")
	}
	if alert.RuleID != rule.ID || alert.RuleName != rule.Name {
		t.Error("rule identity not carried onto alert")
	}
	if alert.Severity != rule.Severity {
		t.Errorf("severity = %v, want %v", alert.Severity, rule.Severity)
	}
	if alert.Status != AlertStatusOpen {
		t.Errorf("status = %v, want OPEN", alert.Status)
	}
	if alert.EventCount != 1 {
		t.Errorf("event count = %d, want 1", alert.EventCount)
	}
	if !alert.FirstSeen.Equal(event.Timestamp) || !alert.LastSeen.Equal(event.Timestamp) {
		t.Error("first/last seen not set from the event")
	}
	if len(alert.AffectedIPs) != 1 || alert.AffectedIPs[0] != "203.0.113.5" {
		t.Errorf("affected IPs = %v", alert.AffectedIPs)
	}
	if len(alert.AffectedUsers) != 1 || alert.AffectedUsers[0] != "user-9" {
		t.Errorf("affected users = %v", alert.AffectedUsers)
	}
	if len(alert.ResponseActions) != len(rule.Actions) {
		t.Error("rule actions not copied onto alert")
	}
	if _, ok := store.alerts[alert.ID]; !ok {
		t.Error("alert not persisted")
	}
}

func TestAlertManager_EachMatchCreatesNewAlert(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, 0)
	rule := bruteForceRule(5, 300)
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		alert, err := am.OnMatch(context.Background(), event, rule)
		if err != nil {
			t.Fatal(err)
		}
		ids[alert.ID] = true
	}
	if len(ids) != 3 {
		t.Errorf("got %d distinct alerts, want 3", len(ids))
	}
}

func TestAlertManager_DedupWindowSuppressesRepeats(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, time.Minute)
	rule := bruteForceRule(5, 300)
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")

	first, err := am.OnMatch(context.Background(), event, rule)
	if err != nil || first == nil {
		t.Fatalf("first match: alert=%v err=%v", first, err)
	}
	second, err := am.OnMatch(context.Background(), event, rule)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Error("repeat inside dedup window was not suppressed")
	}

	// A different scope is its own dedup key.
	other := NewSecurityEvent("login_failed", nil, "", "203.0.113.99", "")
	third, err := am.OnMatch(context.Background(), other, rule)
	if err != nil || third == nil {
		t.Error("different IP suppressed by unrelated dedup entry")
	}
}

func TestAlertManager_HandlersReceiveAlerts(t *testing.T) {
	am := testAlertManager(t, newMemAlertStore(), 0)
	var got []*SecurityAlert
	am.AddHandler(func(a *SecurityAlert) { got = append(got, a) })

	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	alert, err := am.OnMatch(context.Background(), event, bruteForceRule(5, 300))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != alert.ID {
		t.Errorf("handler saw %d alerts", len(got))
	}
}

func TestAlertManager_PersistFailurePropagates(t *testing.T) {
	store := newMemAlertStore()
	store.failIns = true
	am := testAlertManager(t, store, 0)

	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	if _, err := am.OnMatch(context.Background(), event, bruteForceRule(5, 300)); err == nil {
		t.Error("insert failure did not propagate")
	}
}

func TestLegalTransition(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		ok       bool
	}{
		{AlertStatusOpen, AlertStatusInvestigating, true},
		{AlertStatusOpen, AlertStatusResolved, false},
		{AlertStatusOpen, AlertStatusFalsePositive, false},
		{AlertStatusInvestigating, AlertStatusResolved, true},
		{AlertStatusInvestigating, AlertStatusFalsePositive, true},
		{AlertStatusInvestigating, AlertStatusOpen, false},
		{AlertStatusResolved, AlertStatusInvestigating, false},
		{AlertStatusResolved, AlertStatusOpen, false},
		{AlertStatusFalsePositive, AlertStatusResolved, false},
	}
	for _, tc := range cases {
		if got := legalTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("legalTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestAlertManager_SetStatusEnforcesStateMachine(t *testing.T) {
	am := testAlertManager(t, newMemAlertStore(), 0)
	ctx := context.Background()
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	alert, err := am.OnMatch(ctx, event, bruteForceRule(5, 300))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := am.SetStatus(ctx, alert.ID, AlertStatusResolved); err == nil {
		t.Error("open → resolved allowed")
	}
	if _, err := am.SetStatus(ctx, alert.ID, AlertStatusInvestigating); err != nil {
		t.Fatalf("open → investigating rejected: %v", err)
	}
	updated, err := am.SetStatus(ctx, alert.ID, AlertStatusResolved)
	if err != nil {
		t.Fatalf("investigating → resolved rejected: %v", err)
	}
	if updated.Status != AlertStatusResolved {
		t.Errorf("status = %v, want RESOLVED", updated.Status)
	}
	if _, err := am.SetStatus(ctx, alert.ID, AlertStatusInvestigating); err == nil {
		t.Error("resolved alert reopened")
	}
}

func TestAlertManager_AssignAndNotes(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, 0)
	ctx := context.Background()
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	alert, err := am.OnMatch(ctx, event, bruteForceRule(5, 300))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := am.Assign(ctx, alert.ID, "analyst-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := am.AddNote(ctx, alert.ID, "confirmed with access logs"); err != nil {
		t.Fatal(err)
	}

	stored, err := store.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AssignedTo != "analyst-7" {
		t.Errorf("assigned to %q", stored.AssignedTo)
	}
	if len(stored.Notes) != 1 || stored.Notes[0] != "confirmed with access logs" {
		t.Errorf("notes = %v", stored.Notes)
	}
}

func TestAlertManager_FailedUpdateKeepsStoreState(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, 0)
	ctx := context.Background()
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	alert, err := am.OnMatch(ctx, event, bruteForceRule(5, 300))
	if err != nil {
		t.Fatal(err)
	}

	store.failUpd = true
	if _, err := am.SetStatus(ctx, alert.ID, AlertStatusInvestigating); err == nil {
		t.Fatal("update failure did not propagate")
	}

	// The cache must keep serving the state the store holds.
	got, err := am.Get(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != AlertStatusOpen {
		t.Errorf("cached status = %v after failed update, store holds OPEN", got.Status)
	}
	stored, err := store.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != AlertStatusOpen {
		t.Errorf("stored status = %v, want OPEN", stored.Status)
	}

	if _, err := am.AddNote(ctx, alert.ID, "dropped"); err == nil {
		t.Fatal("note update failure did not propagate")
	}
	if got, _ := am.Get(ctx, alert.ID); len(got.Notes) != 0 {
		t.Errorf("cached notes = %v after failed update", got.Notes)
	}

	// Once the store recovers, the open alert transitions normally,
	// proving no phantom state survived the failure.
	store.failUpd = false
	updated, err := am.SetStatus(ctx, alert.ID, AlertStatusInvestigating)
	if err != nil {
		t.Fatalf("transition after recovery rejected: %v", err)
	}
	if updated.Status != AlertStatusInvestigating {
		t.Errorf("status = %v, want INVESTIGATING", updated.Status)
	}
}

func TestAlertManager_DedupEntriesPruned(t *testing.T) {
	am := testAlertManager(t, newMemAlertStore(), 20*time.Millisecond)
	ctx := context.Background()
	rule := bruteForceRule(5, 300)

	if _, err := am.OnMatch(ctx, NewSecurityEvent("login_failed", nil, "", "203.0.113.5", ""), rule); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := am.OnMatch(ctx, NewSecurityEvent("login_failed", nil, "", "203.0.113.99", ""), rule); err != nil {
		t.Fatal(err)
	}

	am.mu.Lock()
	n := len(am.lastMatch)
	am.mu.Unlock()
	if n != 1 {
		t.Errorf("dedup map holds %d entries, want 1 after the first expired", n)
	}
}

func TestAlertManager_GetFallsBackToStore(t *testing.T) {
	store := newMemAlertStore()
	am := testAlertManager(t, store, 0)
	ctx := context.Background()
	event := NewSecurityEvent("login_failed", nil, "", "203.0.113.5", "")
	alert, err := am.OnMatch(ctx, event, bruteForceRule(5, 300))
	if err != nil {
		t.Fatal(err)
	}

	// Fresh manager over the same store has a cold cache.
	am2 := testAlertManager(t, store, 0)
	got, err := am2.Get(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != alert.ID {
		t.Error("store fallback returned the wrong alert")
	}
}

func TestParseAlertStatus(t *testing.T) {
	cases := []struct {
		in   string
		want AlertStatus
		ok   bool
	}{
		{"OPEN", AlertStatusOpen, true},
		{"open", AlertStatusOpen, true},
		{"Investigating", AlertStatusInvestigating, true},
		{"RESOLVED", AlertStatusResolved, true},
		{"false_positive", AlertStatusFalsePositive, true},
		{"bogus", AlertStatusOpen, false},
		{"", AlertStatusOpen, false},
	}
	for _, tc := range cases {
		got, ok := ParseAlertStatus(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseAlertStatus(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
