package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// APIError represents a non-2xx response from the control server that is not
// covered by one of the sentinel errors below.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// ErrNoWork is returned by Claim when the server has no pending commands
// (HTTP 204).
var ErrNoWork = errors.New("no commands available")

// ErrLeaseNotCurrent is returned when the server rejects a lease-carrying
// operation with HTTP 409. It is never retried for the same operation.
var ErrLeaseNotCurrent = errors.New("lease is not current")

// Client is a small HTTP client for the control server used by agents.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
	maxLeaseMs int64
}

// NewClient constructs a Client from the agent Config.
func NewClient(cfg *Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.ServerURL,
		agentID:    cfg.AgentID,
		maxLeaseMs: cfg.MaxLeaseMs,
	}
}

// do performs an HTTP request, marshaling reqBody (if not nil) and
// unmarshaling the response into respBody (if not nil). Returns the response
// status code; non-2xx responses also yield ErrLeaseNotCurrent (409) or an
// *APIError.
func (c *Client) do(ctx context.Context, method, p string, reqBody, respBody any) (int, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, p)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String(), body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusConflict {
			return resp.StatusCode, ErrLeaseNotCurrent
		}
		// Try to parse error JSON {"error":"..."}
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(respBytes)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// Claim is the server's answer to a successful claim request.
type Claim struct {
	CommandID      string          `json:"commandId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	LeaseID        string          `json:"leaseId"`
	LeaseExpiresAt int64           `json:"leaseExpiresAt"`
	StartedAt      int64           `json:"startedAt"`
	ScheduledEndAt *int64          `json:"scheduledEndAt"`
	Attempt        int64           `json:"attempt"`
}

// ClaimCommand requests the next pending command from the server. Returns
// ErrNoWork when the queue is empty.
func (c *Client) ClaimCommand(ctx context.Context) (*Claim, error) {
	req := map[string]any{
		"agentId":    c.agentID,
		"maxLeaseMs": c.maxLeaseMs,
	}

	var claim Claim
	status, err := c.do(ctx, http.MethodPost, "/commands/claim", req, &claim)
	if err != nil {
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, ErrNoWork
	}
	return &claim, nil
}

// CreateCommand submits a new command and returns its id. Used by
// integration tests and tooling rather than the agent loop itself.
func (c *Client) CreateCommand(ctx context.Context, cmdType string, payload json.RawMessage) (string, error) {
	req := map[string]any{"type": cmdType, "payload": payload}
	var resp struct {
		CommandID string `json:"commandId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/commands", req, &resp); err != nil {
		return "", fmt.Errorf("create command failed: %w", err)
	}
	return resp.CommandID, nil
}

// GetCommand fetches the public view of a command.
func (c *Client) GetCommand(ctx context.Context, commandID string) (map[string]any, error) {
	var out map[string]any
	if _, err := c.do(ctx, http.MethodGet, "/commands/"+commandID, nil, &out); err != nil {
		return nil, fmt.Errorf("get command failed: %w", err)
	}
	return out, nil
}

// Heartbeat extends the lease on a running command. Returns
// ErrLeaseNotCurrent when the server no longer recognises the lease.
func (c *Client) Heartbeat(ctx context.Context, commandID, leaseID string, extendMs int64) error {
	req := map[string]any{
		"agentId":  c.agentID,
		"leaseId":  leaseID,
		"extendMs": extendMs,
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/commands/%s/heartbeat", commandID), req, nil); err != nil {
		if errors.Is(err, ErrLeaseNotCurrent) {
			return ErrLeaseNotCurrent
		}
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// Complete reports a terminal success with its result. Returns
// ErrLeaseNotCurrent when the server no longer recognises the lease.
func (c *Client) Complete(ctx context.Context, commandID, leaseID string, result json.RawMessage) error {
	req := map[string]any{
		"agentId": c.agentID,
		"leaseId": leaseID,
		"result":  result,
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/commands/%s/complete", commandID), req, nil); err != nil {
		if errors.Is(err, ErrLeaseNotCurrent) {
			return ErrLeaseNotCurrent
		}
		return fmt.Errorf("complete failed: %w", err)
	}
	return nil
}

// Fail reports a terminal failure. Returns ErrLeaseNotCurrent when the
// server no longer recognises the lease.
func (c *Client) Fail(ctx context.Context, commandID, leaseID, errMsg string, result json.RawMessage) error {
	req := map[string]any{
		"agentId": c.agentID,
		"leaseId": leaseID,
		"error":   errMsg,
	}
	if result != nil {
		req["result"] = result
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/commands/%s/fail", commandID), req, nil); err != nil {
		if errors.Is(err, ErrLeaseNotCurrent) {
			return ErrLeaseNotCurrent
		}
		return fmt.Errorf("fail failed: %w", err)
	}
	return nil
}
