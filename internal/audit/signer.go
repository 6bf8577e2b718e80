package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalPayload is the signed subset of an entry. Field order is the
// lexicographic order of the JSON keys, and encoding/json writes struct
// fields in declaration order and map keys sorted, so the serialized
// form is byte-stable for a given entry.
type canonicalPayload struct {
	Action    string                 `json:"action"`
	ID        string                 `json:"id"`
	Metadata  map[string]interface{} `json:"metadata"`
	Outcome   Outcome                `json:"outcome"`
	Resource  string                 `json:"resource"`
	Timestamp string                 `json:"timestamp"`
	UserID    string                 `json:"userId"`
}

// Signer computes and verifies entry signatures with a single
// process-lifetime HMAC-SHA256 key.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. An empty key is refused: unsigned audit
// trails are worse than a failed startup.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, fmt.Errorf("audit signing key is empty")
	}
	return &Signer{key: []byte(key)}, nil
}

func (s *Signer) canonical(e *Entry) ([]byte, error) {
	payload := canonicalPayload{
		Action:    e.Action,
		ID:        e.ID,
		Metadata:  e.Metadata,
		Outcome:   e.Outcome,
		Resource:  e.Resource,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:    e.UserID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing entry %s: %w", e.ID, err)
	}
	return data, nil
}

// Sign computes the hex HMAC-SHA256 signature of the entry's canonical
// payload.
func (s *Signer) Sign(e *Entry) (string, error) {
	data, err := s.canonical(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time. An
// entry with no signature never verifies.
func (s *Signer) Verify(e *Entry) bool {
	if e.Signature == "" {
		return false
	}
	expected, err := s.Sign(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}
