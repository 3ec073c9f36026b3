package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/focusd/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	createSession = redis.NewScript(createSessionScript)
	updateSession = redis.NewScript(updateSessionScript)
)

type sessionStore struct {
	client *redis.Client
}

// Create stores a new session at version 1
func (s *sessionStore) Create(ctx context.Context, session storage.TimerSession) error {
	keys := []string{sessionKey(session.ID), userActiveKey(session.UserID)}
	args := []interface{}{
		session.ID,
		session.UserID,
		formatTime(session.StartTime),
		session.DurationSeconds,
		session.Timezone,
		string(session.Status),
		formatTime(session.LastHeartbeatAt),
	}

	code, err := createSession.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}

	switch code {
	case resultOK:
		return nil
	case resultConflict:
		return storage.ErrActiveSessionExists
	default:
		return fmt.Errorf("session %s already exists", session.ID)
	}
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.TimerSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseTimerSession(data)
}

// GetActive returns the user's open session
func (s *sessionStore) GetActive(ctx context.Context, userID string) (*storage.TimerSession, error) {
	id, err := s.client.Get(ctx, userActiveKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !session.Status.Open() {
		return nil, storage.ErrNotFound
	}

	return session, nil
}

// Update performs a version-checked write of the mutable session fields
func (s *sessionStore) Update(ctx context.Context, session storage.TimerSession) error {
	keys := []string{sessionKey(session.ID), userActiveKey(session.UserID), pendingStreakSet}
	args := []interface{}{
		session.Version,
		string(session.Status),
		formatTime(session.LastHeartbeatAt),
		session.HeartbeatCount,
		session.DriftAmountMs,
		session.DriftFlags,
		session.CleanHeartbeats,
		formatOptionalTime(session.EndTime),
		session.ElapsedMs,
		session.ID,
		int64(closedSessionTTL.Seconds()),
	}

	code, err := updateSession.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}

	switch code {
	case resultOK:
		return nil
	case resultConflict:
		return storage.ErrVersionConflict
	case resultMissing:
		return storage.ErrNotFound
	case resultClosed:
		return storage.ErrSessionClosed
	default:
		return fmt.Errorf("unexpected update result %d", code)
	}
}

// ListPendingStreaks returns completed sessions whose streak update has not been applied
func (s *sessionStore) ListPendingStreaks(ctx context.Context) ([]storage.TimerSession, error) {
	ids, err := s.client.SMembers(ctx, pendingStreakSet).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.TimerSession{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.TimerSession, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}

		session, err := parseTimerSession(data)
		if errors.Is(err, storage.ErrNotFound) {
			// Expired before it could be applied
			s.client.SRem(ctx, pendingStreakSet, ids[i])
			continue
		}
		if err != nil || session.StreakApplied {
			continue
		}

		sessions = append(sessions, *session)
	}

	return sessions, nil
}

// DeleteClosedBefore removes closed sessions that started before cutoff.
// Closed sessions already carry a 90 day TTL; this sweeps anything older
// than a shorter retention window.
func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	var deletedCount int

	for {
		keys, next, err := s.client.Scan(ctx, cursor, "focus:session:*", 100).Result()
		if err != nil {
			return deletedCount, err
		}

		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			cmds := make([]*redis.SliceCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HMGet(ctx, key, "status", "start_time", "streak_applied")
			}

			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return deletedCount, err
			}

			toDelete := make([]string, 0)
			for i, cmd := range cmds {
				fields, err := cmd.Result()
				if err != nil || len(fields) != 3 {
					continue
				}
				status, _ := fields[0].(string)
				started, _ := fields[1].(string)
				applied, _ := fields[2].(string)

				closed := storage.SessionStatus(status) == storage.StatusCancelled ||
					(storage.SessionStatus(status) == storage.StatusCompleted && applied == "1")
				if !closed {
					continue
				}

				startTime, err := time.Parse(time.RFC3339Nano, started)
				if err != nil {
					continue
				}
				if startTime.Before(cutoff) {
					toDelete = append(toDelete, keys[i])
				}
			}

			if len(toDelete) > 0 {
				deleted, err := s.client.Del(ctx, toDelete...).Result()
				if err != nil {
					return deletedCount, err
				}
				deletedCount += int(deleted)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deletedCount, nil
}
