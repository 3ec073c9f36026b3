package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/focusd/internal/storage"
	"github.com/redis/go-redis/v9"
)

var upsertStreak = redis.NewScript(upsertStreakScript)

type streakStore struct {
	client *redis.Client
}

// Get retrieves a user's streak record
func (s *streakStore) Get(ctx context.Context, userID string) (*storage.StreakRecord, error) {
	data, err := s.client.HGetAll(ctx, streakKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	return parseStreakRecord(data)
}

// Upsert writes the streak record and marks sessionID as applied
func (s *streakStore) Upsert(ctx context.Context, record storage.StreakRecord, sessionID string) error {
	keys := []string{streakKey(record.UserID), sessionKey(sessionID), pendingStreakSet}
	args := []interface{}{
		record.Version,
		record.UserID,
		record.CurrentStreak,
		record.LongestStreak,
		record.LastCompletedDate,
		record.Timezone,
		record.LastSessionID,
		formatTime(record.UpdatedAt),
		sessionID,
	}

	code, err := upsertStreak.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return err
	}

	switch code {
	case resultOK:
		return nil
	case resultConflict:
		return storage.ErrVersionConflict
	case resultClosed:
		return storage.ErrAlreadyApplied
	default:
		return fmt.Errorf("unexpected streak upsert result %d", code)
	}
}
