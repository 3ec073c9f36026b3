package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/focusd/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseInt(data map[string]string, field string) (int64, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return v, nil
}

func parseTime(data map[string]string, field string) (time.Time, error) {
	raw := data[field]
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return t, nil
}

// parseTimerSession converts a Redis hash to TimerSession
func parseTimerSession(data map[string]string) (*storage.TimerSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	session := &storage.TimerSession{
		ID:            data["id"],
		UserID:        data["user_id"],
		Timezone:      data["timezone"],
		Status:        storage.SessionStatus(data["status"]),
		StreakApplied: data["streak_applied"] == "1",
	}

	var err error
	if session.StartTime, err = parseTime(data, "start_time"); err != nil {
		return nil, err
	}
	if session.LastHeartbeatAt, err = parseTime(data, "last_heartbeat_at"); err != nil {
		return nil, err
	}
	if data["end_time"] != "" {
		endTime, err := parseTime(data, "end_time")
		if err != nil {
			return nil, err
		}
		session.EndTime = &endTime
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"duration_seconds", &session.DurationSeconds},
		{"heartbeat_count", &session.HeartbeatCount},
		{"drift_amount_ms", &session.DriftAmountMs},
		{"drift_flags", &session.DriftFlags},
		{"clean_heartbeats", &session.CleanHeartbeats},
		{"elapsed_ms", &session.ElapsedMs},
		{"version", &session.Version},
	}
	for _, f := range ints {
		if *f.dst, err = parseInt(data, f.field); err != nil {
			return nil, err
		}
	}

	return session, nil
}

// parseStreakRecord converts a Redis hash to StreakRecord
func parseStreakRecord(data map[string]string) (*storage.StreakRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	record := &storage.StreakRecord{
		UserID:            data["user_id"],
		LastCompletedDate: data["last_completed_date"],
		Timezone:          data["timezone"],
		LastSessionID:     data["last_session_id"],
	}

	var err error
	if record.CurrentStreak, err = parseInt(data, "current_streak"); err != nil {
		return nil, err
	}
	if record.LongestStreak, err = parseInt(data, "longest_streak"); err != nil {
		return nil, err
	}
	if record.Version, err = parseInt(data, "version"); err != nil {
		return nil, err
	}
	if record.UpdatedAt, err = parseTime(data, "updated_at"); err != nil {
		return nil, err
	}

	return record, nil
}
