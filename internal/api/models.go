package api

import (
	"time"

	"github.com/goodtune/focusd/internal/session"
	"github.com/goodtune/focusd/internal/storage"
)

// HeartbeatRequest is the body of heartbeat and completion-sync calls.
type HeartbeatRequest struct {
	UserID             string `json:"userId"`
	SessionID          string `json:"sessionId"`
	ClientElapsedMs    *int64 `json:"clientElapsedMs"`
	ClientReportedAtMs int64  `json:"clientReportedAtMs"`
}

// HeartbeatResponse is the tagged heartbeat result.
type HeartbeatResponse struct {
	Status      string          `json:"status"`
	SessionID   string          `json:"sessionId"`
	ServerTime  int64           `json:"serverTime"`
	RemainingMs *int64          `json:"remainingMs,omitempty"`
	DriftMs     *int64          `json:"driftMs,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Elapsed     *int64          `json:"elapsed,omitempty"`
	Streak      *StreakResponse `json:"streak,omitempty"`
}

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	DurationSeconds int64  `json:"durationSeconds"`
	Timezone        string `json:"timezone"`
}

// SessionResponse is the wire form of a timer session.
type SessionResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	StartTime       time.Time  `json:"startTime"`
	StartTimeMs     int64      `json:"startTimeMs"`
	DurationSeconds int64      `json:"durationSeconds"`
	Timezone        string     `json:"timezone"`
	Status          string     `json:"status"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	HeartbeatCount  int64      `json:"heartbeatCount"`
	DriftAmountMs   int64      `json:"driftAmountMs"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	ElapsedMs       int64      `json:"elapsedMs,omitempty"`
}

// ActiveSessionResponse is the body of GET /v1/sessions/active.
type ActiveSessionResponse struct {
	Session     SessionResponse `json:"session"`
	ServerTime  int64           `json:"serverTime"`
	ElapsedMs   int64           `json:"elapsedMs"`
	RemainingMs int64           `json:"remainingMs"`
}

// StreakResponse is the wire form of a streak record.
type StreakResponse struct {
	UserID            string `json:"userId"`
	CurrentStreak     int64  `json:"currentStreak"`
	LongestStreak     int64  `json:"longestStreak"`
	LastCompletedDate string `json:"lastCompletedDate,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

// ErrorResponse is the body of every failed call. Result carries the
// original completed result for SESSION_ALREADY_COMPLETED.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Result  *HeartbeatResponse `json:"result,omitempty"`
}

func newHeartbeatResponse(r session.Result) HeartbeatResponse {
	resp := HeartbeatResponse{
		Status:     string(r.Outcome),
		SessionID:  r.SessionID,
		ServerTime: r.ServerTime.UnixMilli(),
	}

	switch r.Outcome {
	case session.OutcomeActive:
		remaining := r.RemainingMs
		resp.RemainingMs = &remaining
	case session.OutcomeDriftWarning:
		drift := r.DriftMs
		resp.DriftMs = &drift
		resp.Reason = r.Reason
	case session.OutcomeCompleted:
		elapsed := r.ElapsedMs
		resp.Elapsed = &elapsed
		if r.Streak != nil {
			streak := newStreakResponse(*r.Streak)
			resp.Streak = &streak
		}
	}

	return resp
}

func newSessionResponse(s storage.TimerSession) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		UserID:          s.UserID,
		StartTime:       s.StartTime,
		StartTimeMs:     s.StartTime.UnixMilli(),
		DurationSeconds: s.DurationSeconds,
		Timezone:        s.Timezone,
		Status:          string(s.Status),
		LastHeartbeatAt: s.LastHeartbeatAt,
		HeartbeatCount:  s.HeartbeatCount,
		DriftAmountMs:   s.DriftAmountMs,
		EndTime:         s.EndTime,
		ElapsedMs:       s.ElapsedMs,
	}
}

func newStreakResponse(r storage.StreakRecord) StreakResponse {
	return StreakResponse{
		UserID:            r.UserID,
		CurrentStreak:     r.CurrentStreak,
		LongestStreak:     r.LongestStreak,
		LastCompletedDate: r.LastCompletedDate,
		Timezone:          r.Timezone,
	}
}
