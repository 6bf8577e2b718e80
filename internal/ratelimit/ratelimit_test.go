package ratelimit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/counter"
)

func testLimiter(perMinute, perDay int64) *Limiter {
	return NewLimiter(zerolog.Nop(), counter.NewMemoryStore(), Ceilings{
		PerMinute: perMinute,
		PerDay:    perDay,
	})
}

func TestLimiter_UnderCeilingAllows(t *testing.T) {
	l := testLimiter(10, 100)
	ctx := context.Background()

	ok, err := l.CheckLimit(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("fresh user denied")
	}
}

func TestLimiter_MinuteCeilingDenies(t *testing.T) {
	l := testLimiter(10, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.CheckLimit(ctx, "indeed", "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("request %d denied under ceiling", i+1)
		}
		if err := l.Increment(ctx, "indeed", "user-1"); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := l.CheckLimit(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("11th request in the minute allowed")
	}
}

func TestLimiter_DayCeilingDenies(t *testing.T) {
	l := testLimiter(1000, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Increment(ctx, "indeed", "user-1"); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := l.CheckLimit(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("request over the day ceiling allowed")
	}
}

func TestLimiter_CheckConsumesNoQuota(t *testing.T) {
	l := testLimiter(2, 100)
	ctx := context.Background()

	// Many checks, zero increments: still allowed.
	for i := 0; i < 50; i++ {
		ok, err := l.CheckLimit(ctx, "indeed", "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("check alone consumed quota")
		}
	}
	remaining, err := l.GetRemaining(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining.Minute != 2 || remaining.Day != 100 {
		t.Errorf("remaining = %+v after checks only", remaining)
	}
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	l := testLimiter(1, 100)
	ctx := context.Background()

	if err := l.Increment(ctx, "indeed", "user-1"); err != nil {
		t.Fatal(err)
	}

	if ok, _ := l.CheckLimit(ctx, "indeed", "user-1"); ok {
		t.Error("exhausted user still allowed")
	}
	if ok, _ := l.CheckLimit(ctx, "indeed", "user-2"); !ok {
		t.Error("other user denied by user-1's quota")
	}
	if ok, _ := l.CheckLimit(ctx, "linkedin", "user-1"); !ok {
		t.Error("other provider denied by indeed quota")
	}
}

func TestLimiter_GetRemaining(t *testing.T) {
	l := testLimiter(10, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := l.Increment(ctx, "indeed", "user-1"); err != nil {
			t.Fatal(err)
		}
	}
	remaining, err := l.GetRemaining(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining.Minute != 6 {
		t.Errorf("minute remaining = %d, want 6", remaining.Minute)
	}
	if remaining.Day != 96 {
		t.Errorf("day remaining = %d, want 96", remaining.Day)
	}
}

func TestLimiter_RemainingFloorsAtZero(t *testing.T) {
	l := testLimiter(2, 100)
	ctx := context.Background()

	// Increments past the ceiling can happen with the two-phase flow.
	for i := 0; i < 5; i++ {
		if err := l.Increment(ctx, "indeed", "user-1"); err != nil {
			t.Fatal(err)
		}
	}
	remaining, err := l.GetRemaining(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining.Minute != 0 {
		t.Errorf("minute remaining = %d, want 0", remaining.Minute)
	}
}

func TestLimiter_AllowAtomic(t *testing.T) {
	l := testLimiter(3, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "indeed", "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("request %d denied under ceiling", i+1)
		}
	}
	ok, err := l.Allow(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("4th request of 3 admitted")
	}

	// The denied attempt consumed nothing in the day window.
	remaining, err := l.GetRemaining(ctx, "indeed", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if remaining.Day != 97 {
		t.Errorf("day remaining = %d, want 97 (denial must not consume)", remaining.Day)
	}
}
