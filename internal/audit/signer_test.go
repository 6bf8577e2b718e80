package audit

import (
	"testing"
	"time"

	"github.com/careerhive/sentinel/internal/core"
)

func testEntry() *Entry {
	return &Entry{
		ID:        "entry-1",
		Timestamp: time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC),
		UserID:    "user-1",
		Action:    "delete_resume",
		Resource:  "resume",
		Outcome:   OutcomeSuccess,
		Severity:  core.SeverityMedium,
		Metadata:  map[string]interface{}{"resume_id": "r-42", "reason": "user request"},
	}
}

func TestSigner_EmptyKeyRejected(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Fatal("empty signing key accepted")
	}
}

func TestSigner_SignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}
	e := testEntry()
	sig, err := s.Sign(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}
	e.Signature = sig
	if !s.Verify(e) {
		t.Error("freshly signed entry does not verify")
	}
}

func TestSigner_Deterministic(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Sign(testEntry())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Sign(testEntry())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same entry produced different signatures")
	}
}

func TestSigner_TamperDetectionPerField(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}

	tampers := []struct {
		name  string
		mutor func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = "entry-2" }},
		{"timestamp", func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{"user", func(e *Entry) { e.UserID = "attacker" }},
		{"action", func(e *Entry) { e.Action = "view_resume" }},
		{"resource", func(e *Entry) { e.Resource = "profile" }},
		{"outcome", func(e *Entry) { e.Outcome = OutcomeFailure }},
		{"metadata value", func(e *Entry) { e.Metadata["resume_id"] = "r-99" }},
		{"metadata added key", func(e *Entry) { e.Metadata["extra"] = true }},
	}
	for _, tc := range tampers {
		e := testEntry()
		sig, err := s.Sign(e)
		if err != nil {
			t.Fatal(err)
		}
		e.Signature = sig
		tc.mutor(e)
		if s.Verify(e) {
			t.Errorf("tampered %s still verifies", tc.name)
		}
	}
}

func TestSigner_UnsignedFieldsDoNotAffectSignature(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}
	e := testEntry()
	sig, err := s.Sign(e)
	if err != nil {
		t.Fatal(err)
	}
	e.Signature = sig

	// Only the canonical fields are signed; descriptive fields can be
	// rewritten without breaking verification.
	e.Description = "backfilled description"
	e.UserAgent = "Mozilla/5.0"
	if !s.Verify(e) {
		t.Error("unsigned field change broke verification")
	}
}

func TestSigner_MissingSignatureFailsClosed(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}
	if s.Verify(testEntry()) {
		t.Error("unsigned entry verified")
	}
}

func TestSigner_WrongKeyFails(t *testing.T) {
	signer, err := NewSigner("key-a")
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewSigner("key-b")
	if err != nil {
		t.Fatal(err)
	}

	e := testEntry()
	e.Signature, err = signer.Sign(e)
	if err != nil {
		t.Fatal(err)
	}
	if other.Verify(e) {
		t.Error("entry verified under a different key")
	}
}

func TestSigner_TimestampTimezoneNormalized(t *testing.T) {
	s, err := NewSigner("test-key")
	if err != nil {
		t.Fatal(err)
	}

	utc := testEntry()
	sig, err := s.Sign(utc)
	if err != nil {
		t.Fatal(err)
	}

	// The same instant in another zone must produce the same signature.
	local := testEntry()
	local.Timestamp = local.Timestamp.In(time.FixedZone("JST", 9*3600))
	localSig, err := s.Sign(local)
	if err != nil {
		t.Fatal(err)
	}
	if sig != localSig {
		t.Error("timezone representation changed the signature")
	}
}
