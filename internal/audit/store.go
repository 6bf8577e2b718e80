package audit

import (
	"context"
	"time"
)

// Criteria narrows a search. Zero-valued fields do not filter.
type Criteria struct {
	UserID        string
	IPAddress     string
	Action        string
	Resource      string
	Outcome       Outcome
	Category      Category
	Severity      string
	CorrelationID string
	// MinRiskScore/MaxRiskScore bound the risk score when positive.
	MinRiskScore int
	MaxRiskScore int
	// ComplianceFlag matches entries carrying the given flag.
	ComplianceFlag ComplianceFlag
	Start          time.Time
	End            time.Time
	Limit          int
	Offset         int
}

// Store is the durable home of audit entries. Entries are append-only;
// there is no update or delete.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error

	// Search returns matching entries newest first, plus the total match
	// count before limit/offset.
	Search(ctx context.Context, c Criteria) ([]*Entry, int, error)
}
