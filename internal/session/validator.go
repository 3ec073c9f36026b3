package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/anticheat"
	"github.com/goodtune/focusd/internal/metrics"
	"github.com/goodtune/focusd/internal/storage"
)

const (
	// DefaultDriftThreshold is the largest tolerated drift between client and server elapsed time.
	DefaultDriftThreshold = 5 * time.Second

	// DefaultRecoveryHeartbeats is how many in-tolerance heartbeats clear a drift flag.
	DefaultRecoveryHeartbeats = 1

	// DefaultConflictRetries bounds re-reads after a concurrent write.
	DefaultConflictRetries = 3
)

// ValidatorConfig holds heartbeat validation settings
type ValidatorConfig struct {
	DriftThreshold     time.Duration
	RecoveryHeartbeats int
	ConflictRetries    int
}

// Validator reconciles client heartbeats against server-measured elapsed time
type Validator struct {
	deps   Deps
	config ValidatorConfig
	logger zerolog.Logger
}

// NewValidator creates a heartbeat validator
func NewValidator(deps Deps, config ValidatorConfig) *Validator {
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = DefaultDriftThreshold
	}
	if config.RecoveryHeartbeats <= 0 {
		config.RecoveryHeartbeats = DefaultRecoveryHeartbeats
	}
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = DefaultConflictRetries
	}

	deps = deps.withDefaults()
	return &Validator{
		deps:   deps,
		config: config,
		logger: deps.Logger.With().Str("component", "heartbeat-validator").Logger(),
	}
}

// Validate processes one heartbeat or completion sync.
//
// A completed session answers with its original completed result together
// with ErrSessionAlreadyCompleted and is never reconciled twice.
func (v *Validator) Validate(ctx context.Context, req HeartbeatRequest) (Result, error) {
	if req.UserID == "" || req.SessionID == "" {
		return Result{}, invalid("userId and sessionId are required")
	}
	if req.ClientElapsedMs < 0 {
		return Result{}, invalid("clientElapsedMs must not be negative, got %d", req.ClientElapsedMs)
	}

	unlock := v.deps.Locks.Lock(req.UserID)
	defer unlock()

	for attempt := 0; attempt <= v.config.ConflictRetries; attempt++ {
		current, err := v.deps.Sessions.Get(ctx, req.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: session %s", ErrNoActiveSession, req.SessionID)
		}
		if err != nil {
			return Result{}, storeError("load session", err)
		}

		if current.UserID != req.UserID {
			v.logger.Warn().
				Str("session_id", req.SessionID).
				Str("user_id", req.UserID).
				Msg("Heartbeat for session owned by another user")
			return Result{}, ErrUnauthorized
		}

		switch current.Status {
		case storage.StatusCompleted:
			metrics.HeartbeatsTotal.WithLabelValues("already_completed").Inc()
			return completedResult(*current), ErrSessionAlreadyCompleted
		case storage.StatusCancelled:
			return Result{}, fmt.Errorf("%w: session %s was cancelled", ErrNoActiveSession, req.SessionID)
		}

		now := v.deps.Clock.Now()
		next, result := v.evaluate(ctx, *current, req, now)

		err = v.deps.Sessions.Update(ctx, next)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrSessionClosed):
			metrics.StoreConflicts.WithLabelValues("session").Inc()
			v.logger.Debug().
				Str("session_id", req.SessionID).
				Int("attempt", attempt+1).
				Msg("Session changed concurrently, re-evaluating")
			continue
		case errors.Is(err, storage.ErrNotFound):
			return Result{}, fmt.Errorf("%w: session %s", ErrNoActiveSession, req.SessionID)
		default:
			return Result{}, storeError("update session", err)
		}

		metrics.HeartbeatsTotal.WithLabelValues(string(result.Outcome)).Inc()
		metrics.HeartbeatDrift.Observe(float64(absDiff(serverElapsedMs(*current, now), req.ClientElapsedMs)) / 1000)

		if result.Outcome == OutcomeCompleted {
			metrics.SessionsCompleted.Inc()
			v.logger.Info().
				Str("session_id", next.ID).
				Str("user_id", next.UserID).
				Int64("elapsed_ms", next.ElapsedMs).
				Bool("sync", req.Sync).
				Msg("Session completed")
			result.Streak = v.reconcile(ctx, next)
		}

		return result, nil
	}

	return Result{}, storeError("update session", fmt.Errorf("gave up after %d attempts: %w", v.config.ConflictRetries+1, storage.ErrVersionConflict))
}

// evaluate computes the next session state and the result for one heartbeat
func (v *Validator) evaluate(ctx context.Context, s storage.TimerSession, req HeartbeatRequest, now time.Time) (storage.TimerSession, Result) {
	elapsed := serverElapsedMs(s, now)
	drift := absDiff(elapsed, req.ClientElapsedMs)

	verdict := v.classify(ctx, anticheat.Input{
		DriftMs:            drift,
		ThresholdMs:        v.config.DriftThreshold.Milliseconds(),
		ServerElapsedMs:    elapsed,
		ClientElapsedMs:    req.ClientElapsedMs,
		ClientReportedAtMs: req.ClientReportedAtMs,
		ServerTimeMs:       now.UnixMilli(),
		Status:             string(s.Status),
	})

	next := s

	if verdict.Suspicious {
		next.Status = storage.StatusSuspicious
		next.DriftAmountMs = drift
		next.DriftFlags++
		next.CleanHeartbeats = 0

		metrics.DriftFlagsTotal.WithLabelValues(verdict.Reason).Inc()
		v.logger.Warn().
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Int64("drift_ms", drift).
			Int64("server_elapsed_ms", elapsed).
			Int64("client_elapsed_ms", req.ClientElapsedMs).
			Str("reason", verdict.Reason).
			Msg("Heartbeat drift flagged")

		return next, Result{
			Outcome:    OutcomeDriftWarning,
			SessionID:  s.ID,
			Status:     next.Status,
			ServerTime: now,
			DriftMs:    drift,
			Reason:     verdict.Reason,
		}
	}

	next.HeartbeatCount++
	next.LastHeartbeatAt = now
	next.CleanHeartbeats++

	if next.Status == storage.StatusSuspicious && next.CleanHeartbeats >= int64(v.config.RecoveryHeartbeats) {
		next.Status = storage.StatusActive
		v.logger.Info().
			Str("session_id", s.ID).
			Int64("clean_heartbeats", next.CleanHeartbeats).
			Msg("Session recovered from drift flag")
	}

	if next.Status == storage.StatusActive && elapsed >= s.DurationMs() {
		next.Status = storage.StatusCompleted
		endTime := now
		next.EndTime = &endTime
		next.ElapsedMs = elapsed

		return next, Result{
			Outcome:    OutcomeCompleted,
			SessionID:  s.ID,
			Status:     next.Status,
			ServerTime: now,
			ElapsedMs:  elapsed,
		}
	}

	v.logger.Debug().
		Str("session_id", s.ID).
		Int64("drift_ms", drift).
		Int64("remaining_ms", remainingMs(s, elapsed)).
		Msg("Heartbeat accepted")

	return next, Result{
		Outcome:     OutcomeActive,
		SessionID:   s.ID,
		Status:      next.Status,
		ServerTime:  now,
		RemainingMs: remainingMs(s, elapsed),
	}
}

// classify asks the policy for a verdict, falling back to the plain threshold
func (v *Validator) classify(ctx context.Context, in anticheat.Input) anticheat.Verdict {
	if v.deps.Policy == nil {
		return anticheat.ThresholdVerdict(in)
	}

	verdict, err := v.deps.Policy.Evaluate(ctx, in)
	if err != nil {
		metrics.PolicyFallbacksTotal.Inc()
		v.logger.Warn().Err(err).Msg("Anomaly policy failed, using drift threshold")
		return anticheat.ThresholdVerdict(in)
	}
	return verdict
}

// reconcile applies a fresh completion to the streak. Failures leave the
// session queued for the retry worker; the completion itself stands.
func (v *Validator) reconcile(ctx context.Context, s storage.TimerSession) *storage.StreakRecord {
	if v.deps.Reconciler == nil {
		return nil
	}

	record, _, err := v.deps.Reconciler.Reconcile(ctx, completionFor(s, v.deps.Calendar, v.logger))
	if err != nil {
		metrics.ReconcileFailures.Inc()
		v.logger.Error().Err(err).
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Msg("Streak reconciliation failed, leaving for retry")
		return nil
	}
	return &record
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
