package streak

import (
	"fmt"
	"time"

	"github.com/goodtune/focusd/internal/storage"
)

// Outcome describes how a completion changed a streak.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeExtended  Outcome = "extended"
	OutcomeReset     Outcome = "reset"
)

// Apply folds a completion on date into existing, which may be nil.
//
// A completion on the same day as the last one changes nothing, one on the
// following day extends the streak, and any other date (a gap, or an earlier
// day arriving late) restarts it at 1. LongestStreak never decreases.
func Apply(existing *storage.StreakRecord, date string) (storage.StreakRecord, Outcome, error) {
	if _, err := time.Parse(storage.DateLayout, date); err != nil {
		return storage.StreakRecord{}, "", fmt.Errorf("invalid completion date %q: %w", date, err)
	}

	if existing == nil || existing.LastCompletedDate == "" {
		next := storage.StreakRecord{CurrentStreak: 1, LongestStreak: 1, LastCompletedDate: date}
		if existing != nil {
			next = *existing
			next.CurrentStreak = 1
			next.LongestStreak = max(existing.LongestStreak, 1)
			next.LastCompletedDate = date
		}
		return next, OutcomeCreated, nil
	}

	days, err := DaysBetween(existing.LastCompletedDate, date)
	if err != nil {
		return storage.StreakRecord{}, "", err
	}

	next := *existing
	switch days {
	case 0:
		return next, OutcomeUnchanged, nil
	case 1:
		next.CurrentStreak = existing.CurrentStreak + 1
		next.LongestStreak = max(existing.LongestStreak, next.CurrentStreak)
		next.LastCompletedDate = date
		return next, OutcomeExtended, nil
	default:
		next.CurrentStreak = 1
		next.LongestStreak = max(existing.LongestStreak, 1)
		next.LastCompletedDate = date
		return next, OutcomeReset, nil
	}
}
