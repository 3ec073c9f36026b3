package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestAuthorityReturnsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	fake := clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 11, 0, 0, 0, loc))
	authority := NewAuthority(fake)

	now := authority.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
	if now.Hour() != 9 {
		t.Fatalf("expected 09:00 UTC, got %v", now)
	}
}

func TestAuthorityAdvances(t *testing.T) {
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(start)
	authority := NewAuthority(fake)

	fake.Advance(100 * time.Second)
	if got := authority.Now().Sub(start); got != 100*time.Second {
		t.Fatalf("expected 100s elapsed, got %v", got)
	}
}

// steppedClock lets a test move wall time backwards.
type steppedClock struct {
	clockwork.Clock
	now time.Time
}

func (s *steppedClock) Now() time.Time { return s.now }

func TestAuthorityNeverGoesBackwards(t *testing.T) {
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	base := &steppedClock{Clock: clockwork.NewFakeClockAt(start), now: start}
	authority := NewAuthority(base)

	first := authority.Now()

	base.now = start.Add(-time.Hour)
	second := authority.Now()
	if second.Before(first) {
		t.Fatalf("clock went backwards: %v then %v", first, second)
	}

	base.now = start.Add(time.Minute)
	third := authority.Now()
	if !third.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected %v, got %v", start.Add(time.Minute), third)
	}
}
