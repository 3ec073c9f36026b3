package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/anticheat"
	"github.com/goodtune/focusd/internal/clock"
	"github.com/goodtune/focusd/internal/keylock"
	"github.com/goodtune/focusd/internal/storage"
	"github.com/goodtune/focusd/internal/streak"
)

// Outcome tags a heartbeat result.
type Outcome string

const (
	OutcomeActive       Outcome = "active"
	OutcomeDriftWarning Outcome = "driftWarning"
	OutcomeCompleted    Outcome = "completed"
)

// HeartbeatRequest is one client report of elapsed time. Sync marks a
// completion replayed by an agent after being offline; it takes the same path.
type HeartbeatRequest struct {
	UserID             string
	SessionID          string
	ClientElapsedMs    int64
	ClientReportedAtMs int64
	Sync               bool
}

// Result is the validator's answer to a heartbeat.
//
// Active carries RemainingMs, DriftWarning carries DriftMs and Reason,
// Completed carries ElapsedMs and, when reconciliation succeeded, Streak.
type Result struct {
	Outcome     Outcome
	SessionID   string
	Status      storage.SessionStatus
	ServerTime  time.Time
	RemainingMs int64
	DriftMs     int64
	Reason      string
	ElapsedMs   int64
	Streak      *storage.StreakRecord
}

// Snapshot is a point-in-time view of an open session.
type Snapshot struct {
	Session     storage.TimerSession
	ServerTime  time.Time
	ElapsedMs   int64
	RemainingMs int64
}

// Policy classifies heartbeat drift.
type Policy interface {
	Evaluate(ctx context.Context, in anticheat.Input) (anticheat.Verdict, error)
}

// Reconciler folds completions into streaks.
type Reconciler interface {
	Reconcile(ctx context.Context, c streak.Completion) (storage.StreakRecord, streak.Outcome, error)
	Get(ctx context.Context, userID string) (storage.StreakRecord, error)
}

// Deps are the collaborators shared by the validator, service and retrier.
// Policy may be nil, in which case the plain drift threshold applies.
type Deps struct {
	Sessions   storage.SessionStore
	Reconciler Reconciler
	Policy     Policy
	Calendar   *streak.Calendar
	Clock      clock.Clock
	Locks      *keylock.Locker
	Logger     zerolog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.NewAuthority(nil)
	}
	return d
}

// serverElapsedMs is measured only from the stored start and the server clock.
func serverElapsedMs(s storage.TimerSession, now time.Time) int64 {
	elapsed := now.Sub(s.StartTime).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func remainingMs(s storage.TimerSession, elapsed int64) int64 {
	remaining := s.DurationMs() - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func completedResult(s storage.TimerSession) Result {
	serverTime := s.LastHeartbeatAt
	if s.EndTime != nil {
		serverTime = *s.EndTime
	}
	return Result{
		Outcome:    OutcomeCompleted,
		SessionID:  s.ID,
		Status:     storage.StatusCompleted,
		ServerTime: serverTime,
		ElapsedMs:  s.ElapsedMs,
	}
}

// completionFor derives the streak completion for a completed session.
// An unloadable zone falls back to UTC so the streak is still applied.
func completionFor(s storage.TimerSession, calendar *streak.Calendar, logger zerolog.Logger) streak.Completion {
	end := s.StartTime.Add(time.Duration(s.DurationSeconds) * time.Second)
	if s.EndTime != nil {
		end = *s.EndTime
	}

	date := end.UTC().Format(storage.DateLayout)
	if calendar != nil {
		local, err := calendar.Date(end, s.Timezone)
		if err != nil {
			logger.Warn().Err(err).
				Str("session_id", s.ID).
				Str("timezone", s.Timezone).
				Msg("Falling back to UTC for completion date")
		} else {
			date = local
		}
	}

	return streak.Completion{
		UserID:    s.UserID,
		SessionID: s.ID,
		Date:      date,
		Timezone:  s.Timezone,
	}
}
