// Package ratelimit enforces per-user request ceilings against external
// job-board providers over two tumbling windows, a minute and a day.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/counter"
)

// Ceilings are the configured request ceilings for one provider.
type Ceilings struct {
	PerMinute int64
	PerDay    int64
}

// Remaining reports the headroom left in each window.
type Remaining struct {
	Minute int64 `json:"minute"`
	Day    int64 `json:"day"`
}

// Limiter tracks request counts per provider and user in the shared
// counter store, so every process sees the same windows.
//
// CheckLimit and Increment are separate on purpose: callers check
// before doing the expensive provider call and record after it, and a
// denied check must not consume quota. Allow is the atomic variant for
// callers that want admission and recording in one step.
type Limiter struct {
	logger   zerolog.Logger
	counters counter.Store
	ceilings Ceilings
}

// NewLimiter creates a limiter over the shared counter store.
func NewLimiter(logger zerolog.Logger, counters counter.Store, ceilings Ceilings) *Limiter {
	return &Limiter{
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
		counters: counters,
		ceilings: ceilings,
	}
}

// Tumbling windows: every request in the same minute (or day) shares a
// key, and the TTL outlives the window by a margin so a read near the
// boundary still sees the closing window.
func minuteKey(provider, user string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:minute:%d", provider, user, now.Unix()/60)
}

func dayKey(provider, user string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:day:%d", provider, user, now.Unix()/86400)
}

const (
	minuteTTL = 2 * time.Minute
	dayTTL    = 25 * time.Hour
)

// CheckLimit reports whether a request for provider on behalf of user
// would be within both ceilings. Pure read; consumes no quota.
func (l *Limiter) CheckLimit(ctx context.Context, provider, userID string) (bool, error) {
	now := time.Now()

	minute, _, err := l.counters.Get(ctx, minuteKey(provider, userID, now))
	if err != nil {
		return false, fmt.Errorf("reading minute window: %w", err)
	}
	if minute >= l.ceilings.PerMinute {
		l.logger.Debug().Str("provider", provider).Str("user", userID).Msg("minute ceiling reached")
		return false, nil
	}

	day, _, err := l.counters.Get(ctx, dayKey(provider, userID, now))
	if err != nil {
		return false, fmt.Errorf("reading day window: %w", err)
	}
	if day >= l.ceilings.PerDay {
		l.logger.Debug().Str("provider", provider).Str("user", userID).Msg("day ceiling reached")
		return false, nil
	}
	return true, nil
}

// Increment records one completed request in both windows.
func (l *Limiter) Increment(ctx context.Context, provider, userID string) error {
	now := time.Now()
	err := l.counters.IncrementBatch(ctx, []counter.Increment{
		{Key: minuteKey(provider, userID, now), TTL: minuteTTL},
		{Key: dayKey(provider, userID, now), TTL: dayTTL},
	})
	if err != nil {
		return fmt.Errorf("recording request: %w", err)
	}
	return nil
}

// Allow atomically admits and records one request. Returns false, and
// consumes nothing, when either window is at its ceiling.
func (l *Limiter) Allow(ctx context.Context, provider, userID string) (bool, error) {
	now := time.Now()
	admitted, err := l.counters.CheckAndIncrement(ctx, []counter.Limit{
		{Key: minuteKey(provider, userID, now), Max: l.ceilings.PerMinute, TTL: minuteTTL},
		{Key: dayKey(provider, userID, now), Max: l.ceilings.PerDay, TTL: dayTTL},
	})
	if err != nil {
		return false, fmt.Errorf("admitting request: %w", err)
	}
	return admitted, nil
}

// GetRemaining reports the unused quota in both windows. Floors at
// zero even if counts overshot the ceiling.
func (l *Limiter) GetRemaining(ctx context.Context, provider, userID string) (Remaining, error) {
	now := time.Now()

	minute, _, err := l.counters.Get(ctx, minuteKey(provider, userID, now))
	if err != nil {
		return Remaining{}, fmt.Errorf("reading minute window: %w", err)
	}
	day, _, err := l.counters.Get(ctx, dayKey(provider, userID, now))
	if err != nil {
		return Remaining{}, fmt.Errorf("reading day window: %w", err)
	}

	return Remaining{
		Minute: max(0, l.ceilings.PerMinute-minute),
		Day:    max(0, l.ceilings.PerDay-day),
	}, nil
}
