package streak

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/clock"
	"github.com/goodtune/focusd/internal/keylock"
	"github.com/goodtune/focusd/internal/metrics"
	"github.com/goodtune/focusd/internal/storage"
)

// Completion identifies a completed session to fold into its owner's streak.
type Completion struct {
	UserID    string
	SessionID string
	Date      string // YYYY-MM-DD in Timezone
	Timezone  string
}

// Reconciler applies completions to streak records, at most once per session.
type Reconciler struct {
	store   storage.StreakStore
	clock   clock.Clock
	locks   *keylock.Locker
	retries int
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler. retries bounds how often a version
// conflict is retried before giving up.
func NewReconciler(store storage.StreakStore, clk clock.Clock, retries int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		clock:   clk,
		locks:   keylock.New(),
		retries: retries,
		logger:  logger.With().Str("component", "streak").Logger(),
	}
}

// Reconcile applies c to the user's streak and returns the resulting record.
// Replaying an already applied session returns the current record unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, c Completion) (storage.StreakRecord, Outcome, error) {
	unlock := r.locks.Lock(c.UserID)
	defer unlock()

	for attempt := 0; attempt <= r.retries; attempt++ {
		existing, err := r.load(ctx, c.UserID)
		if err != nil {
			return storage.StreakRecord{}, "", err
		}

		next, outcome, err := Apply(existing, c.Date)
		if err != nil {
			return storage.StreakRecord{}, "", fmt.Errorf("apply completion for session %s: %w", c.SessionID, err)
		}
		next.UserID = c.UserID
		if c.Timezone != "" {
			next.Timezone = c.Timezone
		}
		next.LastSessionID = c.SessionID
		next.UpdatedAt = r.clock.Now()
		if existing != nil {
			next.Version = existing.Version
		} else {
			next.Version = 0
		}

		err = r.store.Upsert(ctx, next, c.SessionID)
		switch {
		case err == nil:
			next.Version++
			metrics.StreakUpdatesTotal.WithLabelValues(string(outcome)).Inc()
			r.logger.Info().
				Str("user_id", c.UserID).
				Str("session_id", c.SessionID).
				Str("date", c.Date).
				Str("outcome", string(outcome)).
				Int64("current_streak", next.CurrentStreak).
				Int64("longest_streak", next.LongestStreak).
				Msg("Streak reconciled")
			return next, outcome, nil

		case errors.Is(err, storage.ErrAlreadyApplied):
			r.logger.Debug().
				Str("user_id", c.UserID).
				Str("session_id", c.SessionID).
				Msg("Session already applied to streak")
			current, err := r.load(ctx, c.UserID)
			if err != nil {
				return storage.StreakRecord{}, "", err
			}
			if current == nil {
				return storage.StreakRecord{UserID: c.UserID}, OutcomeUnchanged, nil
			}
			return *current, OutcomeUnchanged, nil

		case errors.Is(err, storage.ErrVersionConflict):
			metrics.StoreConflicts.WithLabelValues("streak").Inc()
			r.logger.Debug().
				Str("user_id", c.UserID).
				Int("attempt", attempt+1).
				Msg("Streak version conflict, retrying")
			continue

		default:
			return storage.StreakRecord{}, "", fmt.Errorf("upsert streak for %s: %w", c.UserID, err)
		}
	}

	return storage.StreakRecord{}, "", fmt.Errorf("upsert streak for %s after %d attempts: %w", c.UserID, r.retries+1, storage.ErrVersionConflict)
}

// Get returns the user's streak, or a zero record if none exists yet.
func (r *Reconciler) Get(ctx context.Context, userID string) (storage.StreakRecord, error) {
	record, err := r.load(ctx, userID)
	if err != nil {
		return storage.StreakRecord{}, err
	}
	if record == nil {
		return storage.StreakRecord{UserID: userID}, nil
	}
	return *record, nil
}

func (r *Reconciler) load(ctx context.Context, userID string) (*storage.StreakRecord, error) {
	record, err := r.store.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load streak for %s: %w", userID, err)
	}
	return record, nil
}
