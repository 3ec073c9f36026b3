package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goodtune/focusd/internal/api"
)

// Server is the focusd API as seen by the agent.
type Server interface {
	StartSession(ctx context.Context, durationSeconds int64, timezone string) (*api.SessionResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (*api.HeartbeatResponse, error)
	SyncCompletion(ctx context.Context, req api.HeartbeatRequest) (*api.HeartbeatResponse, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Result     *api.HeartbeatResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout &&
		e.StatusCode != http.StatusTooManyRequests
}

// HTTPClient talks to the focusd API over HTTP.
type HTTPClient struct {
	baseURL string
	userID  string
	client  *http.Client
}

// NewHTTPClient creates a client for the server at baseURL acting as userID.
// Per-request deadlines come from the caller's context.
func NewHTTPClient(baseURL, userID string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client:  client,
	}
}

// StartSession opens a session on the server.
func (c *HTTPClient) StartSession(ctx context.Context, durationSeconds int64, timezone string) (*api.SessionResponse, error) {
	var out api.SessionResponse
	body := api.StartSessionRequest{DurationSeconds: durationSeconds, Timezone: timezone}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports elapsed time for a running session.
func (c *HTTPClient) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncCompletion replays a locally completed session.
func (c *HTTPClient) SyncCompletion(ctx context.Context, req api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/completion-sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession asks the server to cancel a session.
func (c *HTTPClient) CancelSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/cancel", nil, nil)
}

// ActiveSession returns the caller's open session as the server sees it.
func (c *HTTPClient) ActiveSession(ctx context.Context) (*api.ActiveSessionResponse, error) {
	var out api.ActiveSessionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/active", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Streak returns the caller's streak.
func (c *HTTPClient) Streak(ctx context.Context) (*api.StreakResponse, error) {
	var out api.StreakResponse
	if err := c.do(ctx, http.MethodGet, "/v1/streak", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.UserIDHeader, c.userID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Code = errResp.Error
			apiErr.Message = errResp.Message
			apiErr.Result = errResp.Result
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
