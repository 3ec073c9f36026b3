package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrVersionConflict is returned when a conditional write observes a
	// version other than the one the caller read.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrActiveSessionExists is returned when a user already owns an open session.
	ErrActiveSessionExists = errors.New("storage: active session already exists")

	// ErrSessionClosed is returned when updating a completed or cancelled session.
	ErrSessionClosed = errors.New("storage: session is closed")

	// ErrAlreadyApplied is returned when a session's completion has already
	// been folded into the user's streak.
	ErrAlreadyApplied = errors.New("storage: streak already applied for session")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Streaks() StreakStore
}

// SessionStore manages timer sessions.
//
// Create stores the session at version 1 and fails with ErrActiveSessionExists
// if the user already owns an open session.
// Update is a conditional write: it succeeds only when the stored version
// equals session.Version, and persists the record with Version+1. Only the
// mutable fields (status, heartbeat bookkeeping, drift audit, end time) are
// written; start time, duration and timezone stay as created.
type SessionStore interface {
	Create(ctx context.Context, session TimerSession) error
	Get(ctx context.Context, id string) (*TimerSession, error)
	GetActive(ctx context.Context, userID string) (*TimerSession, error)
	Update(ctx context.Context, session TimerSession) error
	ListPendingStreaks(ctx context.Context) ([]TimerSession, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StreakStore manages per-user streak records.
//
// Upsert is a conditional write keyed on record.Version (0 means the record
// must not exist yet). In the same atomic step it marks sessionID as applied,
// refusing with ErrAlreadyApplied if it already was.
type StreakStore interface {
	Get(ctx context.Context, userID string) (*StreakRecord, error)
	Upsert(ctx context.Context, record StreakRecord, sessionID string) error
}
