package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/focusd/internal/storage"
	"go.etcd.io/bbolt"
)

type streakStore struct {
	db *bbolt.DB
}

func (s *streakStore) Get(ctx context.Context, userID string) (*storage.StreakRecord, error) {
	return getBucketValue[storage.StreakRecord](ctx, s.db, bucketStreaks, userID)
}

func (s *streakStore) Upsert(ctx context.Context, record storage.StreakRecord, sessionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pending := tx.Bucket([]byte(bucketPendingStreaks))

		session, err := readValue[storage.TimerSession](tx, bucketSessions, sessionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if session != nil && session.StreakApplied {
			return storage.ErrAlreadyApplied
		}

		var currentVersion int64
		existing, err := readValue[storage.StreakRecord](tx, bucketStreaks, record.UserID)
		switch {
		case err == nil:
			currentVersion = existing.Version
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if currentVersion != record.Version {
			return storage.ErrVersionConflict
		}

		record.Version = currentVersion + 1
		if err := putValue(tx, bucketStreaks, record.UserID, record); err != nil {
			return err
		}

		if session != nil {
			session.StreakApplied = true
			if err := putValue(tx, bucketSessions, session.ID, session); err != nil {
				return err
			}
		}
		return pending.Delete([]byte(sessionID))
	})
}
