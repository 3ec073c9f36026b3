package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/focusd/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "focusd.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func testSession(id, userID string, start time.Time) storage.TimerSession {
	return storage.TimerSession{
		ID:              id,
		UserID:          userID,
		StartTime:       start,
		DurationSeconds: 1500,
		Timezone:        "Europe/Berlin",
		Status:          storage.StatusActive,
		LastHeartbeatAt: start,
	}
}

func TestSessionStoreCreate(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := store.Sessions().Create(ctx, testSession("s1", "u1", start)); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := store.Sessions().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if got.Timezone != "Europe/Berlin" {
		t.Fatalf("expected timezone Europe/Berlin, got %s", got.Timezone)
	}

	if err := store.Sessions().Create(ctx, testSession("s2", "u1", start)); !errors.Is(err, storage.ErrActiveSessionExists) {
		t.Fatalf("expected ErrActiveSessionExists, got %v", err)
	}
	if err := store.Sessions().Create(ctx, testSession("s1", "u2", start)); err == nil {
		t.Fatal("expected duplicate id to fail")
	}

	active, err := store.Sessions().GetActive(ctx, "u1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "s1" {
		t.Fatalf("expected active s1, got %s", active.ID)
	}
}

func TestSessionStoreUpdate(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := store.Sessions().Create(ctx, testSession("s1", "u1", start)); err != nil {
		t.Fatalf("create session: %v", err)
	}

	current, _ := store.Sessions().Get(ctx, "s1")
	current.HeartbeatCount = 1
	current.LastHeartbeatAt = start.Add(30 * time.Second)
	// Immutable fields are ignored on update
	current.DurationSeconds = 60
	if err := store.Sessions().Update(ctx, *current); err != nil {
		t.Fatalf("update session: %v", err)
	}

	if err := store.Sessions().Update(ctx, *current); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := store.Sessions().Get(ctx, "s1")
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
	if got.HeartbeatCount != 1 {
		t.Fatalf("expected heartbeat count 1, got %d", got.HeartbeatCount)
	}
	if got.DurationSeconds != 1500 {
		t.Fatalf("expected duration unchanged, got %d", got.DurationSeconds)
	}

	if err := store.Sessions().Update(ctx, testSession("missing", "u1", start)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStoreCompletionAndStreak(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := store.Sessions().Create(ctx, testSession("s1", "u1", start)); err != nil {
		t.Fatalf("create session: %v", err)
	}

	current, _ := store.Sessions().Get(ctx, "s1")
	end := start.Add(25 * time.Minute)
	current.Status = storage.StatusCompleted
	current.EndTime = &end
	if err := store.Sessions().Update(ctx, *current); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	if _, err := store.Sessions().GetActive(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no active session, got %v", err)
	}

	closed, _ := store.Sessions().Get(ctx, "s1")
	if err := store.Sessions().Update(ctx, *closed); !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	pending, err := store.Sessions().ListPendingStreaks(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(pending))
	}

	record := storage.StreakRecord{UserID: "u1", CurrentStreak: 1, LongestStreak: 1, LastCompletedDate: "2024-03-10", Timezone: "Europe/Berlin", LastSessionID: "s1"}
	if err := store.Streaks().Upsert(ctx, record, "s1"); err != nil {
		t.Fatalf("upsert streak: %v", err)
	}
	if err := store.Streaks().Upsert(ctx, record, "s1"); !errors.Is(err, storage.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}

	pending, _ = store.Sessions().ListPendingStreaks(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected pending drained, got %d", len(pending))
	}

	streak, err := store.Streaks().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get streak: %v", err)
	}
	if streak.Version != 1 || streak.CurrentStreak != 1 {
		t.Fatalf("unexpected streak: %+v", streak)
	}

	// Stale write loses
	if err := store.Streaks().Upsert(ctx, record, "s-other"); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestSessionStoreDeleteClosedBefore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	old := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	sessions := store.Sessions()

	// Cancelled and old: removed
	if err := sessions.Create(ctx, testSession("cancelled", "u1", old)); err != nil {
		t.Fatalf("create: %v", err)
	}
	s, _ := sessions.Get(ctx, "cancelled")
	s.Status = storage.StatusCancelled
	if err := sessions.Update(ctx, *s); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Completed but never applied: kept
	if err := sessions.Create(ctx, testSession("unapplied", "u2", old)); err != nil {
		t.Fatalf("create: %v", err)
	}
	s, _ = sessions.Get(ctx, "unapplied")
	s.Status = storage.StatusCompleted
	if err := sessions.Update(ctx, *s); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Still active: kept
	if err := sessions.Create(ctx, testSession("open", "u3", old)); err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, err := sessions.DeleteClosedBefore(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete closed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted session, got %d", deleted)
	}
	if _, err := sessions.Get(ctx, "unapplied"); err != nil {
		t.Fatalf("expected unapplied session kept: %v", err)
	}
}
