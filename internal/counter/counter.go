// Package counter provides the shared counter store used for rule
// condition windows, rate limiting, and TTL-backed mitigation markers.
package counter

import (
	"context"
	"time"
)

// Increment pairs a counter key with the TTL to arm when the key is
// first created in its window.
type Increment struct {
	Key string
	TTL time.Duration
}

// Limit describes one counter ceiling for an atomic check-and-increment.
type Limit struct {
	Key string
	Max int64
	TTL time.Duration
}

// Store is the fast shared store for counters, sets, and TTL markers.
// Counters self-expire: a value is always the count of qualifying
// operations since the TTL was last armed.
type Store interface {
	// IncrementWithTTL atomically increments key and arms its TTL if this
	// is the first increment of the window. Returns the new value.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrementBatch applies several increments as a single atomic batch.
	IncrementBatch(ctx context.Context, incs []Increment) error

	// Get returns the integer value of a counter, with ok=false when the
	// key does not exist or has expired.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetWithTTL stores an arbitrary string value with a TTL. Used for
	// mitigation markers (blocked IPs, locked accounts) and last-seen
	// locations.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// GetValue reads a string value, with ok=false on miss or expiry.
	GetValue(ctx context.Context, key string) (string, bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds a member to a set, arming the TTL on first insert, and
	// returns the set cardinality after the add.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error)

	// SetCardinality returns the number of members in a set.
	SetCardinality(ctx context.Context, key string) (int64, error)

	// CheckAndIncrement atomically verifies that every limit's counter is
	// below its ceiling and, only if all are, increments them all.
	// Returns true when the operation was admitted.
	CheckAndIncrement(ctx context.Context, limits []Limit) (bool, error)
}
