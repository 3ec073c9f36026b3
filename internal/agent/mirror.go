package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNoSession is returned when the mirror holds no session.
var ErrNoSession = errors.New("no local session")

var (
	bucketAgent = []byte("agent")
	keySession  = []byte("session")
)

// LocalSession is the agent's durable record of the session it is timing.
type LocalSession struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	StartTime         time.Time `json:"start_time"`  // server start time
	LocalStart        time.Time `json:"local_start"` // local clock at start
	DurationSeconds   int64     `json:"duration_seconds"`
	Timezone          string    `json:"timezone"`
	PendingCompletion bool      `json:"pending_completion"`
}

// Target returns the session length.
func (s LocalSession) Target() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Mirror persists the single local session record.
type Mirror interface {
	Load() (*LocalSession, error)
	Save(s *LocalSession) error
	Clear() error
	Close() error
}

// BoltMirror is a Mirror backed by a bbolt file.
type BoltMirror struct {
	db *bolt.DB
}

// OpenMirror opens or creates the mirror file at path.
func OpenMirror(path string) (*BoltMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAgent)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create mirror bucket: %w", err)
	}

	return &BoltMirror{db: db}, nil
}

// Load returns the stored session or ErrNoSession.
func (m *BoltMirror) Load() (*LocalSession, error) {
	var s LocalSession
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgent).Get(keySession)
		if data == nil {
			return ErrNoSession
		}
		return json.Unmarshal(data, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Save replaces the stored session.
func (m *BoltMirror) Save(s *LocalSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal local session: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgent).Put(keySession, data)
	})
}

// Clear removes the stored session.
func (m *BoltMirror) Clear() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgent).Delete(keySession)
	})
}

// Close closes the mirror file.
func (m *BoltMirror) Close() error {
	return m.db.Close()
}
