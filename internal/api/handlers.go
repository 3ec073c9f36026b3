package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/focusd/internal/session"
	"github.com/goodtune/focusd/internal/storage"
)

// Validator validates heartbeats.
type Validator interface {
	Validate(ctx context.Context, req session.HeartbeatRequest) (session.Result, error)
}

// Sessions manages the session lifecycle.
type Sessions interface {
	Start(ctx context.Context, userID string, durationSeconds int64, timezone string) (*storage.TimerSession, error)
	Active(ctx context.Context, userID string) (session.Snapshot, error)
	Cancel(ctx context.Context, userID, sessionID string) (*storage.TimerSession, error)
	Streak(ctx context.Context, userID string) (storage.StreakRecord, error)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"INTERNAL","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// httpStatus maps a session error to its HTTP status.
func httpStatus(err error) int {
	switch session.Code(err) {
	case session.CodeUnauthorized:
		return http.StatusForbidden
	case session.CodeNoActiveSession:
		return http.StatusNotFound
	case session.CodeSessionAlreadyCompleted, session.CodeActiveSessionExists:
		return http.StatusConflict
	case session.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// Handler serves the focus session API.
type Handler struct {
	validator Validator
	sessions  Sessions
	logger    zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(validator Validator, sessions Sessions, logger zerolog.Logger) *Handler {
	return &Handler{
		validator: validator,
		sessions:  sessions,
		logger:    logger.With().Str("handler", "api").Logger(),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusServiceUnavailable {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   session.Code(err),
		Message: err.Error(),
	})
}

// decodeHeartbeat parses a heartbeat body and checks it against the caller.
func (h *Handler) decodeHeartbeat(r *http.Request, sync bool) (session.HeartbeatRequest, error) {
	var body HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return session.HeartbeatRequest{}, errors.Join(session.ErrInvalidRequest, err)
	}
	if body.ClientElapsedMs == nil {
		return session.HeartbeatRequest{}, errors.Join(session.ErrInvalidRequest, errors.New("clientElapsedMs is required"))
	}

	caller := userIDFrom(r.Context())
	if body.UserID != "" && body.UserID != caller {
		return session.HeartbeatRequest{}, session.ErrUnauthorized
	}

	return session.HeartbeatRequest{
		UserID:             caller,
		SessionID:          body.SessionID,
		ClientElapsedMs:    *body.ClientElapsedMs,
		ClientReportedAtMs: body.ClientReportedAtMs,
		Sync:               sync,
	}, nil
}

// Heartbeat handles POST /v1/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeHeartbeat(r, false)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.validator.Validate(r.Context(), req)
	if errors.Is(err, session.ErrSessionAlreadyCompleted) {
		original := newHeartbeatResponse(result)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   session.CodeSessionAlreadyCompleted,
			Message: err.Error(),
			Result:  &original,
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newHeartbeatResponse(result))
}

// CompletionSync handles POST /v1/completion-sync. An already completed
// session is a success so agents can stop retrying.
func (h *Handler) CompletionSync(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeHeartbeat(r, true)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.validator.Validate(r.Context(), req)
	if err != nil && !errors.Is(err, session.ErrSessionAlreadyCompleted) {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newHeartbeatResponse(result))
}

// StartSession handles POST /v1/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.Join(session.ErrInvalidRequest, err))
		return
	}

	s, err := h.sessions.Start(r.Context(), userIDFrom(r.Context()), body.DurationSeconds, body.Timezone)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newSessionResponse(*s))
}

// ActiveSession handles GET /v1/sessions/active.
func (h *Handler) ActiveSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Active(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ActiveSessionResponse{
		Session:     newSessionResponse(snap.Session),
		ServerTime:  snap.ServerTime.UnixMilli(),
		ElapsedMs:   snap.ElapsedMs,
		RemainingMs: snap.RemainingMs,
	})
}

// CancelSession handles POST /v1/sessions/{id}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, err := h.sessions.Cancel(r.Context(), userIDFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(*s))
}

// Streak handles GET /v1/streak.
func (h *Handler) Streak(w http.ResponseWriter, r *http.Request) {
	record, err := h.sessions.Streak(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newStreakResponse(record))
}
