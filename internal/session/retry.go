package session

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/metrics"
	"github.com/goodtune/focusd/internal/storage"
)

const (
	// DefaultRetryInterval is how often pending streak updates are retried.
	DefaultRetryInterval = time.Minute

	// closedSessionRetention is how long closed sessions are kept for audit.
	closedSessionRetention = 90 * 24 * time.Hour

	// sweepInterval spaces out retention sweeps, which scan every session.
	sweepInterval = time.Hour
)

// StreakRetrier applies streak updates that failed after a completion was
// recorded, and prunes closed sessions past retention.
type StreakRetrier struct {
	deps      Deps
	interval  time.Duration
	ticker    clockwork.Clock
	logger    zerolog.Logger
	lastSweep time.Time
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewStreakRetrier creates a retry worker. ticker drives the schedule.
func NewStreakRetrier(deps Deps, interval time.Duration, ticker clockwork.Clock) *StreakRetrier {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if ticker == nil {
		ticker = clockwork.NewRealClock()
	}

	deps = deps.withDefaults()
	return &StreakRetrier{
		deps:     deps,
		interval: interval,
		ticker:   ticker,
		logger:   deps.Logger.With().Str("component", "streak-retrier").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the retry loop
func (r *StreakRetrier) Start() {
	go r.run()
	r.logger.Info().Dur("interval", r.interval).Msg("Streak retry worker started")
}

// Stop stops the retry loop and waits for an in-progress pass to finish
func (r *StreakRetrier) Stop() {
	close(r.stopChan)
	<-r.doneChan
	r.logger.Info().Msg("Streak retry worker stopped")
}

func (r *StreakRetrier) run() {
	defer close(r.doneChan)

	t := r.ticker.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-t.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.RunOnce(ctx)
			cancel()
		case <-r.stopChan:
			return
		}
	}
}

// RunOnce performs a single retry pass and returns how many sessions were applied
func (r *StreakRetrier) RunOnce(ctx context.Context) int {
	pending, err := r.deps.Sessions.ListPendingStreaks(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list pending streak updates")
		return 0
	}
	metrics.PendingStreaks.Set(float64(len(pending)))

	// Stores list pending sessions in key order; a user's completions must
	// reach the reconciler in the order they happened.
	slices.SortStableFunc(pending, func(a, b storage.TimerSession) int {
		return completedAt(a).Compare(completedAt(b))
	})

	applied := 0
	for _, s := range pending {
		if ctx.Err() != nil {
			break
		}
		if r.deps.Reconciler == nil {
			break
		}

		record, outcome, err := r.deps.Reconciler.Reconcile(ctx, completionFor(s, r.deps.Calendar, r.logger))
		if err != nil {
			r.logger.Error().Err(err).
				Str("session_id", s.ID).
				Str("user_id", s.UserID).
				Msg("Streak retry failed")
			continue
		}

		applied++
		r.logger.Info().
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Str("outcome", string(outcome)).
			Int64("current_streak", record.CurrentStreak).
			Msg("Applied pending streak update")
	}

	if applied > 0 {
		metrics.PendingStreaks.Set(float64(len(pending) - applied))
	}

	r.sweep(ctx)

	return applied
}

func completedAt(s storage.TimerSession) time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime
}

// sweep removes closed sessions past retention, at most once per sweepInterval
func (r *StreakRetrier) sweep(ctx context.Context) {
	now := r.deps.Clock.Now()
	if !r.lastSweep.IsZero() && now.Sub(r.lastSweep) < sweepInterval {
		return
	}
	r.lastSweep = now

	cutoff := now.Add(-closedSessionRetention)
	deleted, err := r.deps.Sessions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to clean up old sessions")
		return
	}
	if deleted > 0 {
		r.logger.Info().
			Int("sessions_deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Old sessions cleaned up")
	}
}
