package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/core"
)

// memStore is an in-memory Store for tests. failures fails the first N
// inserts; failIns fails every insert.
type memStore struct {
	mu       sync.Mutex
	entries  []*Entry
	failIns  bool
	failures int
	inserts  int
}

func (s *memStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failIns {
		return fmt.Errorf("disk full")
	}
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("store unavailable")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Search(_ context.Context, c Criteria) ([]*Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if c.UserID != "" && e.UserID != c.UserID {
			continue
		}
		if c.Action != "" && e.Action != c.Action {
			continue
		}
		if c.Outcome != "" && e.Outcome != c.Outcome {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if c.Offset > 0 {
		if c.Offset >= total {
			return nil, total, nil
		}
		matched = matched[c.Offset:]
	}
	if c.Limit > 0 && len(matched) > c.Limit {
		matched = matched[:c.Limit]
	}
	return matched, total, nil
}

func testLogger(t *testing.T, store Store) *Logger {
	t.Helper()
	signer, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}
	l := NewLogger(zerolog.Nop(), store, signer)
	l.retryBase = 0 // no backoff delays in tests
	return l
}

func TestLogger_LogDerivesAndSigns(t *testing.T) {
	store := &memStore{}
	l := testLogger(t, store)

	entry, err := l.Log(context.Background(), Request{
		UserID:   "user-1",
		Action:   "delete_resume",
		Resource: "resume",
		Outcome:  OutcomeSuccess,
		Metadata: map[string]interface{}{"resume_id": "r-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" || entry.Timestamp.IsZero() {
		t.Error("identity fields not assigned")
	}
	if entry.Severity != core.SeverityMedium {
		t.Errorf("severity = %v, want MEDIUM for delete", entry.Severity)
	}
	if entry.RiskScore < 1 || entry.RiskScore > 10 {
		t.Errorf("risk score = %d out of range", entry.RiskScore)
	}
	if entry.Category != CategoryDataChange {
		t.Errorf("category = %s, want data_change", entry.Category)
	}
	hasGDPR := false
	for _, f := range entry.ComplianceFlags {
		if f == FlagGDPR {
			hasGDPR = true
		}
	}
	if !hasGDPR {
		t.Error("resume deletion not flagged GDPR")
	}
	if !l.Verify(entry) {
		t.Error("logged entry does not verify")
	}
	if len(store.entries) != 1 {
		t.Errorf("persisted %d entries, want 1", len(store.entries))
	}
}

func TestLogger_DefaultsOutcomeToSuccess(t *testing.T) {
	l := testLogger(t, &memStore{})
	entry, err := l.Log(context.Background(), Request{Action: "view_job", Resource: "job"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", entry.Outcome)
	}
}

func TestLogger_RequiresActionAndResource(t *testing.T) {
	l := testLogger(t, &memStore{})
	if _, err := l.Log(context.Background(), Request{Resource: "job"}); err == nil {
		t.Error("missing action accepted")
	}
	if _, err := l.Log(context.Background(), Request{Action: "view_job"}); err == nil {
		t.Error("missing resource accepted")
	}
}

func TestLogger_PersistFailurePropagates(t *testing.T) {
	store := &memStore{failIns: true}
	l := testLogger(t, store)
	if _, err := l.Log(context.Background(), Request{Action: "view_job", Resource: "job"}); err == nil {
		t.Fatal("store failure swallowed: audit writes must propagate errors")
	}
	if store.inserts != 3 {
		t.Errorf("insert attempted %d times, want 3", store.inserts)
	}
}

func TestLogger_TransientPersistFailureRetried(t *testing.T) {
	store := &memStore{failures: 2}
	l := testLogger(t, store)

	entry, err := l.Log(context.Background(), Request{Action: "view_job", Resource: "job"})
	if err != nil {
		t.Fatalf("transient store failure not retried: %v", err)
	}
	if store.inserts != 3 {
		t.Errorf("insert attempted %d times, want 3", store.inserts)
	}
	if len(store.entries) != 1 || store.entries[0].ID != entry.ID {
		t.Errorf("entry not persisted after retries")
	}
}

func TestLogger_SearchReportsIntegrityViolations(t *testing.T) {
	store := &memStore{}
	l := testLogger(t, store)
	ctx := context.Background()

	var tamperedID string
	for i := 0; i < 100; i++ {
		entry, err := l.Log(ctx, Request{
			UserID:   "user-1",
			Action:   "view_job",
			Resource: "job",
			Metadata: map[string]interface{}{"job_id": fmt.Sprintf("j-%d", i)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if i == 42 {
			tamperedID = entry.ID
		}
	}

	// Corrupt one stored entry in place.
	for _, e := range store.entries {
		if e.ID == tamperedID {
			e.UserID = "attacker"
		}
	}

	result, err := l.Search(ctx, Criteria{UserID: "", Limit: 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) != 100 {
		t.Fatalf("returned %d entries, want all 100", len(result.Entries))
	}
	if result.Total != 100 {
		t.Errorf("total = %d, want 100", result.Total)
	}
	if len(result.IntegrityViolations) != 1 || result.IntegrityViolations[0] != tamperedID {
		t.Errorf("violations = %v, want [%s]", result.IntegrityViolations, tamperedID)
	}
}

func TestLogger_SearchPagination(t *testing.T) {
	l := testLogger(t, &memStore{})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := l.Log(ctx, Request{Action: "view_job", Resource: "job"}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := l.Search(ctx, Criteria{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 10 || page.Total != 25 || !page.HasMore {
		t.Errorf("page 1: %d entries, total %d, hasMore %v", len(page.Entries), page.Total, page.HasMore)
	}

	last, err := l.Search(ctx, Criteria{Limit: 10, Offset: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Entries) != 5 || last.HasMore {
		t.Errorf("last page: %d entries, hasMore %v", len(last.Entries), last.HasMore)
	}
}

func TestLogger_SearchByCriteria(t *testing.T) {
	l := testLogger(t, &memStore{})
	ctx := context.Background()

	if _, err := l.Log(ctx, Request{UserID: "alice", Action: "view_job", Resource: "job"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Log(ctx, Request{UserID: "bob", Action: "delete_resume", Resource: "resume", Outcome: OutcomeFailure}); err != nil {
		t.Fatal(err)
	}

	result, err := l.Search(ctx, Criteria{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Action != "delete_resume" {
		t.Errorf("criteria search returned %d entries", len(result.Entries))
	}
}
