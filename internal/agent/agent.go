// Package agent keeps a focus session counting down on the client and makes
// sure its completion reaches the server, even across restarts and outages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/api"
	"github.com/goodtune/focusd/internal/session"
)

// ErrSendInFlight is returned when a heartbeat is requested while another
// request for the session has not finished.
var ErrSendInFlight = errors.New("request already in flight")

// Config holds agent scheduling settings
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout >= c.HeartbeatInterval {
		c.HeartbeatTimeout = c.HeartbeatInterval / 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	return c
}

// Agent runs the local countdown for one session at a time.
type Agent struct {
	config Config
	server Server
	mirror Mirror
	clock  clockwork.Clock
	logger zerolog.Logger

	// sending is held for the lifetime of one server request
	sending  sync.Mutex
	inflight sync.WaitGroup

	mu      sync.Mutex
	session *LocalSession
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an agent. A nil clock uses the real clock.
func New(config Config, server Server, mirror Mirror, clk clockwork.Clock, logger zerolog.Logger) *Agent {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Agent{
		config: config.withDefaults(),
		server: server,
		mirror: mirror,
		clock:  clk,
		logger: logger.With().Str("component", "agent").Logger(),
	}
}

// Start opens a session on the server, records it locally and begins the
// countdown. Any schedule from an earlier session is superseded.
func (a *Agent) Start(ctx context.Context, durationSeconds int64, timezone string) (*LocalSession, error) {
	resp, err := a.server.StartSession(ctx, durationSeconds, timezone)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	a.halt()

	s := &LocalSession{
		SessionID:       resp.ID,
		UserID:          resp.UserID,
		StartTime:       resp.StartTime,
		LocalStart:      a.clock.Now(),
		DurationSeconds: resp.DurationSeconds,
		Timezone:        resp.Timezone,
	}
	if err := a.mirror.Save(s); err != nil {
		return nil, fmt.Errorf("save local session: %w", err)
	}

	a.logger.Info().
		Str("session_id", s.SessionID).
		Int64("duration_seconds", s.DurationSeconds).
		Msg("Session started")

	a.launch(*s)
	return s, nil
}

// Resume reloads the local record after a restart and either continues the
// countdown or syncs a completion that came due while the agent was down.
func (a *Agent) Resume() (*LocalSession, error) {
	s, err := a.mirror.Load()
	if err != nil {
		return nil, err
	}

	a.halt()

	a.logger.Info().
		Str("session_id", s.SessionID).
		Dur("remaining", s.Target()-a.localElapsed(*s)).
		Bool("pending_completion", s.PendingCompletion).
		Msg("Resuming session")

	a.launch(*s)
	return s, nil
}

// Stop cancels the local schedule and asks the server to cancel the session.
// A session that has already completed locally is kept for completion sync.
func (a *Agent) Stop(ctx context.Context) error {
	a.halt()

	s := a.Current()
	if s == nil {
		loaded, err := a.mirror.Load()
		if err != nil {
			return err
		}
		s = loaded
	}

	if s.PendingCompletion || a.localElapsed(*s) >= s.Target() {
		a.logger.Info().
			Str("session_id", s.SessionID).
			Msg("Session already completed locally, keeping it for completion sync")
		return nil
	}

	err := a.server.CancelSession(ctx, s.SessionID)
	var apiErr *APIError
	switch {
	case err == nil:
		a.logger.Info().Str("session_id", s.SessionID).Msg("Session cancelled")
	case errors.As(err, &apiErr) && apiErr.Code == session.CodeSessionAlreadyCompleted:
		a.logger.Info().Str("session_id", s.SessionID).Msg("Session already completed on server")
	case errors.As(err, &apiErr) && apiErr.Code == session.CodeNoActiveSession:
		a.logger.Warn().Str("session_id", s.SessionID).Msg("Server no longer has session")
	default:
		return fmt.Errorf("cancel session: %w", err)
	}

	a.forget(*s)
	return nil
}

// Close halts the schedule and keeps the local record so Resume can pick it up.
func (a *Agent) Close() {
	a.halt()
}

// Current returns a copy of the session being timed, or nil.
func (a *Agent) Current() *LocalSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

// Done is closed when the current schedule ends.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.done
}

// HeartbeatOnce sends one heartbeat for the current session now.
func (a *Agent) HeartbeatOnce(ctx context.Context) error {
	s := a.Current()
	if s == nil {
		return ErrNoSession
	}
	if !a.sending.TryLock() {
		return ErrSendInFlight
	}

	finished, err := a.heartbeat(ctx, *s)
	a.sending.Unlock()

	if finished {
		a.halt()
	}
	return err
}

func (a *Agent) launch(s LocalSession) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.session = &s
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(ctx, s, done)
}

// halt cancels the running schedule and waits for it and its sends to exit
func (a *Agent) halt() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	a.inflight.Wait()
}

func (a *Agent) run(ctx context.Context, s LocalSession, done chan struct{}) {
	defer close(done)

	remaining := s.Target() - a.localElapsed(s)
	if s.PendingCompletion || remaining <= 0 {
		a.complete(ctx, s)
		return
	}

	ticker := a.clock.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	timer := a.clock.NewTimer(remaining)
	defer stopAndDrainTimer(timer)

	finished := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-finished:
			return
		case <-ticker.Chan():
			a.tick(ctx, s, finished)
		case <-timer.Chan():
			a.complete(ctx, s)
			return
		}
	}
}

// tick sends a heartbeat unless the previous request is still outstanding
func (a *Agent) tick(ctx context.Context, s LocalSession, finished chan<- struct{}) {
	if !a.sending.TryLock() {
		a.logger.Debug().Str("session_id", s.SessionID).Msg("Previous request still in flight, skipping heartbeat")
		return
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer a.sending.Unlock()

		if done, _ := a.heartbeat(ctx, s); done {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	}()
}

// heartbeat sends one heartbeat. It reports whether the session is over.
// Callers must hold a.sending.
func (a *Agent) heartbeat(ctx context.Context, s LocalSession) (bool, error) {
	sendCtx, cancel := context.WithTimeout(ctx, a.config.HeartbeatTimeout)
	defer cancel()

	resp, err := a.server.Heartbeat(sendCtx, a.report(s))
	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.Code == session.CodeSessionAlreadyCompleted:
		a.confirm(s, apiErr.Result)
		return true, nil
	case errors.As(err, &apiErr) && apiErr.Code == session.CodeNoActiveSession:
		a.logger.Warn().Str("session_id", s.SessionID).Msg("Server no longer has session, dropping it")
		a.forget(s)
		return true, err
	default:
		a.logger.Warn().Err(err).Str("session_id", s.SessionID).Msg("Heartbeat failed")
		return false, err
	}

	switch resp.Status {
	case string(session.OutcomeCompleted):
		a.confirm(s, resp)
		return true, nil
	case string(session.OutcomeDriftWarning):
		drift := int64(0)
		if resp.DriftMs != nil {
			drift = *resp.DriftMs
		}
		a.logger.Warn().
			Str("session_id", s.SessionID).
			Int64("drift_ms", drift).
			Msg("Server flagged heartbeat drift")
	default:
		a.logger.Debug().Str("session_id", s.SessionID).Msg("Heartbeat accepted")
	}
	return false, nil
}

// complete marks the local countdown as finished and syncs it to the server
func (a *Agent) complete(ctx context.Context, s LocalSession) {
	if !s.PendingCompletion {
		s.PendingCompletion = true
		if err := a.mirror.Save(&s); err != nil {
			a.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("Failed to persist pending completion")
		}

		a.mu.Lock()
		if a.session != nil && a.session.SessionID == s.SessionID {
			a.session.PendingCompletion = true
		}
		a.mu.Unlock()

		a.logger.Info().Str("session_id", s.SessionID).Msg("Countdown finished, syncing completion")
	}

	if err := a.syncCompletion(ctx, s); err != nil && ctx.Err() == nil {
		a.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("Completion sync rejected")
	}
}

// syncCompletion retries the completion until the server confirms it
func (a *Agent) syncCompletion(ctx context.Context, s LocalSession) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.config.RetryInitial
	b.MaxInterval = a.config.RetryMax
	b.MaxElapsedTime = 0
	b.Clock = a.clock

	operation := func() error {
		a.sending.Lock()
		sendCtx, cancel := context.WithTimeout(ctx, a.config.HeartbeatTimeout)
		resp, err := a.server.SyncCompletion(sendCtx, a.report(s))
		cancel()
		a.sending.Unlock()

		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				if apiErr.Code == session.CodeSessionAlreadyCompleted {
					a.confirm(s, apiErr.Result)
					return nil
				}
				if apiErr.Permanent() {
					return backoff.Permanent(err)
				}
			}
			return err
		}

		if resp.Status != string(session.OutcomeCompleted) {
			return fmt.Errorf("server reported %s", resp.Status)
		}
		a.confirm(s, resp)
		return nil
	}

	notify := func(err error, next time.Duration) {
		a.logger.Warn().Err(err).
			Str("session_id", s.SessionID).
			Dur("retry_in", next).
			Msg("Completion sync failed, retrying")
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(b, ctx), notify, &clockTimer{clock: a.clock})
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		a.forget(s)
	}
	return err
}

func (a *Agent) report(s LocalSession) api.HeartbeatRequest {
	elapsed := a.localElapsed(s).Milliseconds()
	return api.HeartbeatRequest{
		UserID:             s.UserID,
		SessionID:          s.SessionID,
		ClientElapsedMs:    &elapsed,
		ClientReportedAtMs: a.clock.Now().UnixMilli(),
	}
}

func (a *Agent) localElapsed(s LocalSession) time.Duration {
	elapsed := a.clock.Since(s.LocalStart)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// confirm records a server-confirmed completion
func (a *Agent) confirm(s LocalSession, resp *api.HeartbeatResponse) {
	event := a.logger.Info().Str("session_id", s.SessionID)
	if resp != nil && resp.Elapsed != nil {
		event = event.Int64("elapsed_ms", *resp.Elapsed)
	}
	if resp != nil && resp.Streak != nil {
		event = event.Int64("current_streak", resp.Streak.CurrentStreak)
	}
	event.Msg("Completion confirmed by server")

	a.forget(s)
}

// forget drops s from memory and the mirror unless a newer session replaced it
func (a *Agent) forget(s LocalSession) {
	a.mu.Lock()
	if a.session != nil && a.session.SessionID == s.SessionID {
		a.session = nil
	}
	a.mu.Unlock()

	stored, err := a.mirror.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			a.logger.Error().Err(err).Msg("Failed to read local session")
		}
		return
	}
	if stored.SessionID != s.SessionID {
		return
	}
	if err := a.mirror.Clear(); err != nil {
		a.logger.Error().Err(err).Str("session_id", s.SessionID).Msg("Failed to clear local session")
	}
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// clockTimer drives backoff waits from the agent clock
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	stopAndDrainTimer(t.timer)
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
