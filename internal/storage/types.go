package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a timer session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusSuspicious SessionStatus = "suspicious"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
)

// Open reports whether the session can still receive heartbeats.
func (s SessionStatus) Open() bool {
	return s == StatusActive || s == StatusSuspicious
}

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToLower(raw))

	switch normalized {
	case StatusActive, StatusSuspicious, StatusCompleted, StatusCancelled:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", raw)
	}
}

// TimerSession is the durable record of one focus session.
type TimerSession struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	StartTime       time.Time     `json:"start_time"`
	DurationSeconds int64         `json:"duration_seconds"`
	Timezone        string        `json:"timezone"`
	Status          SessionStatus `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	HeartbeatCount  int64         `json:"heartbeat_count"`
	DriftAmountMs   int64         `json:"drift_amount_ms"`
	DriftFlags      int64         `json:"drift_flags"`
	CleanHeartbeats int64         `json:"clean_heartbeats"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	ElapsedMs       int64         `json:"elapsed_ms"`
	StreakApplied   bool          `json:"streak_applied"`
	Version         int64         `json:"version"`
}

// DurationMs returns the target length in milliseconds.
func (s *TimerSession) DurationMs() int64 {
	return s.DurationSeconds * 1000
}

// StreakRecord is a user's consecutive-day completion streak.
type StreakRecord struct {
	UserID            string    `json:"user_id"`
	CurrentStreak     int64     `json:"current_streak"`
	LongestStreak     int64     `json:"longest_streak"`
	LastCompletedDate string    `json:"last_completed_date,omitempty"` // YYYY-MM-DD in Timezone
	Timezone          string    `json:"timezone"`
	LastSessionID     string    `json:"last_session_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
	Version           int64     `json:"version"`
}
