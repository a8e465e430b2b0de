package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/retry"
)

// FastSpringClient calls the FastSpring-style returns/orders REST API using
// Basic authentication. All calls carry a 10s timeout and a small retry
// budget; 4xx responses are permanent.
type FastSpringClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewFastSpringClient creates a processor API client.
func NewFastSpringClient(baseURL, username, password string) *FastSpringClient {
	return &FastSpringClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether API credentials are present.
func (c *FastSpringClient) Configured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

// Ping checks API reachability for health checks.
func (c *FastSpringClient) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	var out json.RawMessage
	return c.get(ctx, "/returns?limit=1", &out)
}

// returnEntry is the wire shape of one return record.
type returnEntry struct {
	ID       string  `json:"return"`
	Order    string  `json:"order"`
	Customer string  `json:"customer"`
	Reason   string  `json:"reason"`
	Status   string  `json:"status"`
	Total    float64 `json:"totalReturn"`
	Created  int64   `json:"created"` // epoch millis
}

// ListReturns fetches all returns created since the given time.
func (c *FastSpringClient) ListReturns(ctx context.Context, since time.Time) ([]Dispute, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	path := fmt.Sprintf("/returns?begin=%s", url.QueryEscape(since.UTC().Format("2006-01-02")))
	var body struct {
		Returns []returnEntry `json:"returns"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}

	out := make([]Dispute, 0, len(body.Returns))
	for _, r := range body.Returns {
		status := r.Status
		if status == "" {
			status = "open"
		}
		out = append(out, Dispute{
			ID:            r.ID,
			OrderID:       r.Order,
			CustomerEmail: r.Customer,
			Reason:        r.Reason,
			Status:        status,
			Amount:        r.Total,
			Created:       time.UnixMilli(r.Created).UTC(),
		})
	}
	return out, nil
}

// CountOrders fetches the order count since the given time.
func (c *FastSpringClient) CountOrders(ctx context.Context, since time.Time) (int, error) {
	if !c.Configured() {
		return 0, ErrNotConfigured
	}

	path := fmt.Sprintf("/orders?begin=%s&limit=1", url.QueryEscape(since.UTC().Format("2006-01-02")))
	var body struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}

// CreateRefund posts a return for the given order. The order ID doubles as
// the idempotency key so replays are absorbed by the processor.
func (c *FastSpringClient) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{
		"order":   req.OrderID,
		"reason":  req.Reason,
		"comment": req.Comment,
	})
	if err != nil {
		return "", err
	}

	var refundID string
	err = retry.Do(ctx, 3, time.Second, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/returns", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.SetBasicAuth(c.username, c.password)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.OrderID)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("processor rejected refund for %s: %s", req.OrderID, resp.Status))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
		}

		var body struct {
			Return string `json:"return"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return retry.Permanent(fmt.Errorf("malformed refund response: %w", err))
		}
		refundID = body.Return
		return nil
	})
	if err != nil {
		return "", err
	}
	return refundID, nil
}

// CancelSubscription deactivates a subscription so no further charges land.
func (c *FastSpringClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	return retry.Do(ctx, 3, time.Second, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			c.baseURL+"/subscriptions/"+url.PathEscape(subscriptionID), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.SetBasicAuth(c.username, c.password)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("processor rejected cancellation for %s: %s", subscriptionID, resp.Status))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
		}
		return nil
	})
}

// get performs an authenticated GET with retries and decodes the JSON body.
func (c *FastSpringClient) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, 3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("processor API rejected request: %s", resp.Status))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("malformed processor response: %w", err))
		}
		return nil
	})
}
