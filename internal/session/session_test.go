package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/anticheat"
	"github.com/goodtune/focusd/internal/clock"
	"github.com/goodtune/focusd/internal/keylock"
	"github.com/goodtune/focusd/internal/storage"
	"github.com/goodtune/focusd/internal/storage/bolt"
	"github.com/goodtune/focusd/internal/streak"
)

var t0 = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// countingReconciler counts reconciliations and can fail the next n calls.
type countingReconciler struct {
	Reconciler

	mu       sync.Mutex
	calls    int
	failNext int
}

func (c *countingReconciler) Reconcile(ctx context.Context, comp streak.Completion) (storage.StreakRecord, streak.Outcome, error) {
	c.mu.Lock()
	c.calls++
	fail := c.failNext > 0
	if fail {
		c.failNext--
	}
	c.mu.Unlock()

	if fail {
		return storage.StreakRecord{}, "", errors.New("streak store offline")
	}
	return c.Reconciler.Reconcile(ctx, comp)
}

func (c *countingReconciler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	fake       *clockwork.FakeClock
	store      *bolt.Store
	reconciler *countingReconciler
	deps       Deps
	validator  *Validator
	service    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "focusd.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := clockwork.NewFakeClockAt(t0)
	authority := clock.NewAuthority(fake)

	calendar, err := streak.NewCalendar(16)
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}

	reconciler := &countingReconciler{
		Reconciler: streak.NewReconciler(store.Streaks(), authority, 5, zerolog.Nop()),
	}

	deps := Deps{
		Sessions:   store.Sessions(),
		Reconciler: reconciler,
		Calendar:   calendar,
		Clock:      authority,
		Locks:      keylock.New(),
		Logger:     zerolog.Nop(),
	}

	return &fixture{
		fake:       fake,
		store:      store,
		reconciler: reconciler,
		deps:       deps,
		validator:  NewValidator(deps, ValidatorConfig{DriftThreshold: 5 * time.Second, RecoveryHeartbeats: 1, ConflictRetries: 3}),
		service:    NewService(deps, ServiceConfig{MaxSessionDuration: 4 * time.Hour}),
	}
}

func (f *fixture) start(t *testing.T, userID string, durationSeconds int64, tz string) *storage.TimerSession {
	t.Helper()
	s, err := f.service.Start(context.Background(), userID, durationSeconds, tz)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func (f *fixture) heartbeat(userID, sessionID string, clientElapsedMs int64) (Result, error) {
	return f.validator.Validate(context.Background(), HeartbeatRequest{
		UserID:             userID,
		SessionID:          sessionID,
		ClientElapsedMs:    clientElapsedMs,
		ClientReportedAtMs: f.fake.Now().UnixMilli(),
	})
}

func (f *fixture) load(t *testing.T, id string) *storage.TimerSession {
	t.Helper()
	s, err := f.store.Sessions().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load session %s: %v", id, err)
	}
	return s
}

func TestHeartbeatActiveReportsRemaining(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(100 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 100000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if result.Outcome != OutcomeActive {
		t.Fatalf("expected active, got %s", result.Outcome)
	}
	if result.RemainingMs != 1400000 {
		t.Errorf("expected remaining 1400000, got %d", result.RemainingMs)
	}
	if !result.ServerTime.Equal(t0.Add(100 * time.Second)) {
		t.Errorf("unexpected server time %v", result.ServerTime)
	}

	stored := f.load(t, s.ID)
	if stored.HeartbeatCount != 1 {
		t.Errorf("expected heartbeat count 1, got %d", stored.HeartbeatCount)
	}
	if !stored.LastHeartbeatAt.Equal(t0.Add(100 * time.Second)) {
		t.Errorf("unexpected last heartbeat %v", stored.LastHeartbeatAt)
	}
}

func TestHeartbeatCompletesAtDuration(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(1500 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", result.Outcome)
	}
	if result.ElapsedMs != 1500000 {
		t.Errorf("expected elapsed 1500000, got %d", result.ElapsedMs)
	}
	if result.Streak == nil || result.Streak.CurrentStreak != 1 {
		t.Fatalf("expected streak of 1, got %+v", result.Streak)
	}

	stored := f.load(t, s.ID)
	if stored.Status != storage.StatusCompleted {
		t.Errorf("expected completed status, got %s", stored.Status)
	}
	if stored.EndTime == nil || !stored.EndTime.Equal(t0.Add(1500*time.Second)) {
		t.Errorf("unexpected end time %v", stored.EndTime)
	}
	if !stored.StreakApplied {
		t.Error("expected streak to be marked applied")
	}
}

func TestCompletionElapsedUsesServerClockOnly(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	// Client is 3s behind but within tolerance; elapsed comes from the server
	f.fake.Advance(1600 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1597000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", result.Outcome)
	}
	if result.ElapsedMs != 1600000 {
		t.Errorf("expected server elapsed 1600000, got %d", result.ElapsedMs)
	}
}

func TestClientClaimingCompletionEarlyIsFlagged(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(100 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeDriftWarning {
		t.Fatalf("expected drift warning, got %s", result.Outcome)
	}
	if result.Reason != anticheat.ReasonClientAhead {
		t.Errorf("expected client_ahead, got %s", result.Reason)
	}
	if f.load(t, s.ID).Status == storage.StatusCompleted {
		t.Fatal("session must not complete on client's word")
	}
}

func TestDriftClassification(t *testing.T) {
	tests := []struct {
		name          string
		clientElapsed int64
		wantOutcome   Outcome
		wantStatus    storage.SessionStatus
	}{
		{name: "exact", clientElapsed: 100000, wantOutcome: OutcomeActive, wantStatus: storage.StatusActive},
		{name: "behind at threshold", clientElapsed: 95000, wantOutcome: OutcomeActive, wantStatus: storage.StatusActive},
		{name: "ahead at threshold", clientElapsed: 105000, wantOutcome: OutcomeActive, wantStatus: storage.StatusActive},
		{name: "just over threshold", clientElapsed: 105001, wantOutcome: OutcomeDriftWarning, wantStatus: storage.StatusSuspicious},
		{name: "ten seconds behind", clientElapsed: 90000, wantOutcome: OutcomeDriftWarning, wantStatus: storage.StatusSuspicious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.start(t, "u1", 1500, "UTC")

			f.fake.Advance(100 * time.Second)
			result, err := f.heartbeat("u1", s.ID, tt.clientElapsed)
			if err != nil {
				t.Fatalf("heartbeat: %v", err)
			}
			if result.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", result.Outcome, tt.wantOutcome)
			}
			if got := f.load(t, s.ID).Status; got != tt.wantStatus {
				t.Errorf("status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestSuspiciousSessionRecovers(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(100 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 90000)
	if err != nil {
		t.Fatalf("drifting heartbeat: %v", err)
	}
	if result.DriftMs != 10000 {
		t.Errorf("expected drift 10000, got %d", result.DriftMs)
	}

	flagged := f.load(t, s.ID)
	if flagged.Status != storage.StatusSuspicious || flagged.DriftAmountMs != 10000 || flagged.DriftFlags != 1 {
		t.Fatalf("unexpected flagged session: %+v", flagged)
	}
	if flagged.HeartbeatCount != 0 {
		t.Errorf("flagged heartbeat must not count, got %d", flagged.HeartbeatCount)
	}

	f.fake.Advance(30 * time.Second)
	result, err = f.heartbeat("u1", s.ID, 130000)
	if err != nil {
		t.Fatalf("clean heartbeat: %v", err)
	}
	if result.Outcome != OutcomeActive || result.Status != storage.StatusActive {
		t.Fatalf("expected recovery to active, got %s/%s", result.Outcome, result.Status)
	}

	recovered := f.load(t, s.ID)
	if recovered.DriftAmountMs != 10000 {
		t.Errorf("drift amount should be kept for audit, got %d", recovered.DriftAmountMs)
	}
	if recovered.HeartbeatCount != 1 {
		t.Errorf("expected heartbeat count 1, got %d", recovered.HeartbeatCount)
	}
}

func TestSuspiciousSessionNeverCompletesOnFlaggedHeartbeat(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(1600 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeDriftWarning {
		t.Fatalf("expected drift warning, got %s", result.Outcome)
	}

	// The next in-tolerance heartbeat clears the flag and completes
	f.fake.Advance(10 * time.Second)
	result, err = f.heartbeat("u1", s.ID, 1610000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed after recovery, got %s", result.Outcome)
	}
	if result.ElapsedMs != 1610000 {
		t.Errorf("expected elapsed 1610000, got %d", result.ElapsedMs)
	}
}

func TestRecoveryNeedsConfiguredCleanHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.validator = NewValidator(f.deps, ValidatorConfig{RecoveryHeartbeats: 2})
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(100 * time.Second)
	if _, err := f.heartbeat("u1", s.ID, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	f.fake.Advance(30 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 130000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Status != storage.StatusSuspicious {
		t.Fatalf("expected still suspicious after one clean heartbeat, got %s", result.Status)
	}

	f.fake.Advance(30 * time.Second)
	result, err = f.heartbeat("u1", s.ID, 160000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Status != storage.StatusActive {
		t.Fatalf("expected active after two clean heartbeats, got %s", result.Status)
	}
}

func TestCompletedSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(1500 * time.Second)
	first, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	f.fake.Advance(time.Hour)
	second, err := f.heartbeat("u1", s.ID, 5100000)
	if !errors.Is(err, ErrSessionAlreadyCompleted) {
		t.Fatalf("expected ErrSessionAlreadyCompleted, got %v", err)
	}
	if second.Outcome != OutcomeCompleted || second.ElapsedMs != first.ElapsedMs {
		t.Errorf("expected original result %d, got %+v", first.ElapsedMs, second)
	}
	if !second.ServerTime.Equal(first.ServerTime) {
		t.Errorf("expected original server time %v, got %v", first.ServerTime, second.ServerTime)
	}

	if calls := f.reconciler.Calls(); calls != 1 {
		t.Errorf("expected reconciler to run once, ran %d times", calls)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")

	if _, err := f.heartbeat("u2", s.ID, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.heartbeat("u1", "missing", 0); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := f.heartbeat("u1", s.ID, -1); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.heartbeat("", s.ID, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for missing user, got %v", err)
	}

	// Rejected requests leave no trace
	if v := f.load(t, s.ID).Version; v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
}

func TestReconcileFailureIsRetriedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.reconciler.failNext = 1
	s := f.start(t, "u1", 1500, "UTC")

	f.fake.Advance(1500 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("completion must stand despite streak failure, got %s", result.Outcome)
	}
	if result.Streak != nil {
		t.Errorf("expected no streak on failed reconciliation, got %+v", result.Streak)
	}

	pending, err := f.store.Sessions().ListPendingStreaks(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(pending))
	}

	retrier := NewStreakRetrier(f.deps, time.Minute, f.fake)
	if applied := retrier.RunOnce(context.Background()); applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
	if applied := retrier.RunOnce(context.Background()); applied != 0 {
		t.Fatalf("expected nothing left to apply, got %d", applied)
	}

	record, err := f.service.Streak(context.Background(), "u1")
	if err != nil {
		t.Fatalf("streak: %v", err)
	}
	if record.CurrentStreak != 1 {
		t.Errorf("expected streak 1, got %d", record.CurrentStreak)
	}
}

func TestConsecutiveDaysExtendStreak(t *testing.T) {
	f := newFixture(t)

	s := f.start(t, "u1", 1500, "UTC")
	f.fake.Advance(1500 * time.Second)
	if _, err := f.heartbeat("u1", s.ID, 1500000); err != nil {
		t.Fatalf("day 1: %v", err)
	}

	f.fake.Advance(24 * time.Hour)
	s = f.start(t, "u1", 1500, "UTC")
	f.fake.Advance(1500 * time.Second)
	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}
	if result.Streak == nil || result.Streak.CurrentStreak != 2 || result.Streak.LongestStreak != 2 {
		t.Fatalf("expected streak {2, 2}, got %+v", result.Streak)
	}

	// A second session on the same day leaves the streak alone
	s = f.start(t, "u1", 60, "UTC")
	f.fake.Advance(time.Minute)
	result, err = f.heartbeat("u1", s.ID, 60000)
	if err != nil {
		t.Fatalf("day 2 again: %v", err)
	}
	if result.Streak == nil || result.Streak.CurrentStreak != 2 {
		t.Fatalf("expected streak unchanged at 2, got %+v", result.Streak)
	}
}

func TestCompletionDateUsesSessionTimezone(t *testing.T) {
	f := newFixture(t)

	// 22:35 UTC start + 25 min ends at 23:00 UTC, which is 08:00 next day in Tokyo
	f.fake.Advance(13*time.Hour + 35*time.Minute)
	s := f.start(t, "u1", 1500, "Asia/Tokyo")
	f.fake.Advance(1500 * time.Second)

	result, err := f.heartbeat("u1", s.ID, 1500000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Streak == nil || result.Streak.LastCompletedDate != "2024-03-11" {
		t.Fatalf("expected completion on 2024-03-11, got %+v", result.Streak)
	}
}

func TestConcurrentCompletionAppliesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1", 1500, "UTC")
	f.fake.Advance(1500 * time.Second)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		repeated  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.heartbeat("u1", s.ID, 1500000)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && result.Outcome == OutcomeCompleted:
				completed++
			case errors.Is(err, ErrSessionAlreadyCompleted):
				repeated++
			default:
				t.Errorf("unexpected result %+v, %v", result, err)
			}
		}()
	}
	wg.Wait()

	if completed != 1 || repeated != 7 {
		t.Errorf("expected 1 completion and 7 repeats, got %d and %d", completed, repeated)
	}
	if calls := f.reconciler.Calls(); calls != 1 {
		t.Errorf("expected one reconciliation, got %d", calls)
	}
}

type failingPolicy struct{}

func (failingPolicy) Evaluate(context.Context, anticheat.Input) (anticheat.Verdict, error) {
	return anticheat.Verdict{}, errors.New("policy unavailable")
}

func TestPolicyFailureFallsBackToThreshold(t *testing.T) {
	f := newFixture(t)
	deps := f.deps
	deps.Policy = failingPolicy{}
	f.validator = NewValidator(deps, ValidatorConfig{})

	s := f.start(t, "u1", 1500, "UTC")
	f.fake.Advance(100 * time.Second)

	result, err := f.heartbeat("u1", s.ID, 90000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeDriftWarning {
		t.Fatalf("expected drift warning from fallback, got %s", result.Outcome)
	}
}

func TestValidatorWithPolicyEngine(t *testing.T) {
	engine, err := anticheat.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	f := newFixture(t)
	deps := f.deps
	deps.Policy = engine
	f.validator = NewValidator(deps, ValidatorConfig{})

	s := f.start(t, "u1", 1500, "UTC")
	f.fake.Advance(100 * time.Second)

	result, err := f.heartbeat("u1", s.ID, 110000)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.Outcome != OutcomeDriftWarning || result.Reason != anticheat.ReasonClientAhead {
		t.Fatalf("expected client_ahead drift warning, got %+v", result)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthorized, CodeUnauthorized},
		{ErrNoActiveSession, CodeNoActiveSession},
		{ErrSessionAlreadyCompleted, CodeSessionAlreadyCompleted},
		{ErrActiveSessionExists, CodeActiveSessionExists},
		{invalid("bad"), CodeInvalidRequest},
		{storeError("load", errors.New("connection refused")), CodeStoreUnavailable},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
