package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the risk engine API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Admin API key
}

// EngineClient is a pure HTTP client for the risk engine's admin API.
type EngineClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEngineClient creates a new client for the risk engine.
func NewEngineClient(cfg Config) *EngineClient {
	return &EngineClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the engine.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the engine and returns the response body.
func (c *EngineClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetDisputeStats returns the current dispute ratio and risk level.
func (c *EngineClient) GetDisputeStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/stats", nil, nil)
}

// ListSnapshots returns historical dispute-ratio snapshots.
func (c *EngineClient) ListSnapshots(ctx context.Context, days int) (json.RawMessage, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/snapshots", q, nil)
}

// ListActions lists recent preventive actions.
func (c *EngineClient) ListActions(ctx context.Context, limit int, kind string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/actions", q, nil)
}

// GetAction returns a single preventive action by ID.
func (c *EngineClient) GetAction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/actions/"+url.PathEscape(id), nil, nil)
}

// EvaluateUser triggers an on-demand risk evaluation for a user.
func (c *EngineClient) EvaluateUser(ctx context.Context, userID string) (json.RawMessage, error) {
	path := "/v1/evaluations/users/" + url.PathEscape(userID)
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// GetRefundBudget returns today's refund usage against the daily cap.
func (c *EngineClient) GetRefundBudget(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats/refunds", nil, nil)
}
