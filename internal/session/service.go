package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/metrics"
	"github.com/goodtune/focusd/internal/storage"
)

// DefaultMaxSessionDuration caps how long a single focus session may run.
const DefaultMaxSessionDuration = 4 * time.Hour

// ServiceConfig holds session lifecycle settings
type ServiceConfig struct {
	MaxSessionDuration time.Duration
	ConflictRetries    int
}

// Service starts, inspects and cancels sessions
type Service struct {
	deps   Deps
	config ServiceConfig
	logger zerolog.Logger
}

// NewService creates a session lifecycle service. Share Deps.Locks with the
// validator so cancels and heartbeats for a user are serialized.
func NewService(deps Deps, config ServiceConfig) *Service {
	if config.MaxSessionDuration <= 0 {
		config.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = DefaultConflictRetries
	}

	deps = deps.withDefaults()
	return &Service{
		deps:   deps,
		config: config,
		logger: deps.Logger.With().Str("component", "session-service").Logger(),
	}
}

// Start opens a new session for userID. The start time is taken from the
// server clock and never from the client.
func (s *Service) Start(ctx context.Context, userID string, durationSeconds int64, timezone string) (*storage.TimerSession, error) {
	if userID == "" {
		return nil, invalid("userId is required")
	}
	if durationSeconds <= 0 {
		return nil, invalid("durationSeconds must be positive, got %d", durationSeconds)
	}
	if time.Duration(durationSeconds)*time.Second > s.config.MaxSessionDuration {
		return nil, invalid("durationSeconds %d exceeds maximum of %s", durationSeconds, s.config.MaxSessionDuration)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if s.deps.Calendar != nil {
		if _, err := s.deps.Calendar.Location(timezone); err != nil {
			return nil, invalid("%v", err)
		}
	}

	unlock := s.deps.Locks.Lock(userID)
	defer unlock()

	now := s.deps.Clock.Now()
	session := storage.TimerSession{
		ID:              uuid.NewString(),
		UserID:          userID,
		StartTime:       now,
		DurationSeconds: durationSeconds,
		Timezone:        timezone,
		Status:          storage.StatusActive,
		LastHeartbeatAt: now,
	}

	err := s.deps.Sessions.Create(ctx, session)
	if errors.Is(err, storage.ErrActiveSessionExists) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, storeError("create session", err)
	}
	session.Version = 1

	metrics.SessionsStarted.Inc()
	s.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Int64("duration_seconds", durationSeconds).
		Str("timezone", timezone).
		Msg("Session started")

	return &session, nil
}

// Active returns the user's open session with server-computed timing
func (s *Service) Active(ctx context.Context, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, invalid("userId is required")
	}

	current, err := s.deps.Sessions.GetActive(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, ErrNoActiveSession
	}
	if err != nil {
		return Snapshot{}, storeError("load active session", err)
	}

	now := s.deps.Clock.Now()
	elapsed := serverElapsedMs(*current, now)
	return Snapshot{
		Session:     *current,
		ServerTime:  now,
		ElapsedMs:   elapsed,
		RemainingMs: remainingMs(*current, elapsed),
	}, nil
}

// Cancel stops an open session. Completed sessions are never un-completed;
// cancelling an already cancelled session returns it unchanged.
func (s *Service) Cancel(ctx context.Context, userID, sessionID string) (*storage.TimerSession, error) {
	if userID == "" || sessionID == "" {
		return nil, invalid("userId and sessionId are required")
	}

	unlock := s.deps.Locks.Lock(userID)
	defer unlock()

	for attempt := 0; attempt <= s.config.ConflictRetries; attempt++ {
		current, err := s.deps.Sessions.Get(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNoActiveSession, sessionID)
		}
		if err != nil {
			return nil, storeError("load session", err)
		}
		if current.UserID != userID {
			return nil, ErrUnauthorized
		}

		switch current.Status {
		case storage.StatusCompleted:
			return current, ErrSessionAlreadyCompleted
		case storage.StatusCancelled:
			return current, nil
		}

		now := s.deps.Clock.Now()
		next := *current
		next.Status = storage.StatusCancelled
		next.EndTime = &now
		next.ElapsedMs = serverElapsedMs(*current, now)

		err = s.deps.Sessions.Update(ctx, next)
		switch {
		case err == nil:
			next.Version++
			metrics.SessionsCancelled.Inc()
			s.logger.Info().
				Str("session_id", sessionID).
				Str("user_id", userID).
				Int64("elapsed_ms", next.ElapsedMs).
				Msg("Session cancelled")
			return &next, nil
		case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrSessionClosed):
			metrics.StoreConflicts.WithLabelValues("session").Inc()
			continue
		default:
			return nil, storeError("cancel session", err)
		}
	}

	return nil, storeError("cancel session", fmt.Errorf("gave up after %d attempts: %w", s.config.ConflictRetries+1, storage.ErrVersionConflict))
}

// Streak returns the user's current streak record
func (s *Service) Streak(ctx context.Context, userID string) (storage.StreakRecord, error) {
	if userID == "" {
		return storage.StreakRecord{}, invalid("userId is required")
	}
	if s.deps.Reconciler == nil {
		return storage.StreakRecord{UserID: userID}, nil
	}

	record, err := s.deps.Reconciler.Get(ctx, userID)
	if err != nil {
		return storage.StreakRecord{}, storeError("load streak", err)
	}
	return record, nil
}
