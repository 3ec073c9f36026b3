package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/focusd/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Create(ctx context.Context, session storage.TimerSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sessions := tx.Bucket([]byte(bucketSessions))
		if sessions.Get([]byte(session.ID)) != nil {
			return fmt.Errorf("session %s already exists", session.ID)
		}

		active := tx.Bucket([]byte(bucketUserActive))
		if active.Get([]byte(session.UserID)) != nil {
			return storage.ErrActiveSessionExists
		}

		session.Version = 1
		session.StreakApplied = false
		if err := putValue(tx, bucketSessions, session.ID, session); err != nil {
			return err
		}
		return active.Put([]byte(session.UserID), []byte(session.ID))
	})
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.TimerSession, error) {
	return getBucketValue[storage.TimerSession](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) GetActive(ctx context.Context, userID string) (*storage.TimerSession, error) {
	var session *storage.TimerSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := tx.Bucket([]byte(bucketUserActive)).Get([]byte(userID))
		if id == nil {
			return storage.ErrNotFound
		}
		result, err := readValue[storage.TimerSession](tx, bucketSessions, string(id))
		if err != nil {
			return err
		}
		if !result.Status.Open() {
			return storage.ErrNotFound
		}
		session = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) Update(ctx context.Context, session storage.TimerSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		current, err := readValue[storage.TimerSession](tx, bucketSessions, session.ID)
		if err != nil {
			return err
		}
		if !current.Status.Open() {
			return storage.ErrSessionClosed
		}
		if current.Version != session.Version {
			return storage.ErrVersionConflict
		}

		current.Status = session.Status
		current.LastHeartbeatAt = session.LastHeartbeatAt
		current.HeartbeatCount = session.HeartbeatCount
		current.DriftAmountMs = session.DriftAmountMs
		current.DriftFlags = session.DriftFlags
		current.CleanHeartbeats = session.CleanHeartbeats
		current.EndTime = session.EndTime
		current.ElapsedMs = session.ElapsedMs
		current.Version++

		if err := putValue(tx, bucketSessions, current.ID, current); err != nil {
			return err
		}

		if current.Status.Open() {
			return nil
		}

		active := tx.Bucket([]byte(bucketUserActive))
		if string(active.Get([]byte(current.UserID))) == current.ID {
			if err := active.Delete([]byte(current.UserID)); err != nil {
				return err
			}
		}

		if current.Status == storage.StatusCompleted && !current.StreakApplied {
			return tx.Bucket([]byte(bucketPendingStreaks)).Put([]byte(current.ID), []byte{})
		}
		return nil
	})
}

func (s *sessionStore) ListPendingStreaks(ctx context.Context) ([]storage.TimerSession, error) {
	sessions := make([]storage.TimerSession, 0)
	return sessions, s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPendingStreaks)).ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := readValue[storage.TimerSession](tx, bucketSessions, string(k))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !session.StreakApplied {
				sessions = append(sessions, *session)
			}
			return nil
		})
	})
}

func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c := tx.Bucket([]byte(bucketSessions)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var session storage.TimerSession
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			// Completed sessions stay until their streak has been applied
			removable := session.Status == storage.StatusCancelled ||
				(session.Status == storage.StatusCompleted && session.StreakApplied)
			if removable && session.StartTime.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
}
