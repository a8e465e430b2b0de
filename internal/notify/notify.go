// Package notify wraps the transactional email collaborator.
//
// Template content is owned by the email service; this engine only selects a
// template identifier and supplies data.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Aguti1902/iqmind-sub000/internal/circuitbreaker"
	"github.com/Aguti1902/iqmind-sub000/internal/retry"
)

// Template identifiers owned by the email collaborator.
const (
	TemplateProactiveOutreach   = "risk_proactive_outreach"
	TemplateOperatorAlert       = "operator_alert"
	TemplateSubscriptionCreated = "subscription_created"
	TemplateSubscriptionDeleted = "subscription_deleted"
	TemplatePaymentFailed       = "invoice_payment_failed"
)

// Sentinel errors
var (
	ErrNotConfigured = errors.New("notify: email API not configured")
	ErrUnavailable   = errors.New("notify: email API circuit open")
)

// Message is one notification request.
type Message struct {
	To         []string       `json:"to"`
	Subject    string         `json:"subject"`
	TemplateID string         `json:"templateId"`
	Data       map[string]any `json:"data,omitempty"`
}

// Mailer sends notifications through the email collaborator.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailer calls the email collaborator's REST API. A circuit breaker
// stops it from hammering the API while it is down; tripped sends fail
// fast with ErrUnavailable.
type HTTPMailer struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPMailer creates a mailer for the given email API endpoint.
func NewHTTPMailer(baseURL, apiKey, from string) *HTTPMailer {
	return &HTTPMailer{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

const breakerKey = "email-api"

// Send posts the message to the email API with a small retry budget.
// 4xx responses are permanent; 5xx and transport errors are retried.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	if m.baseURL == "" || m.apiKey == "" {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return retry.Permanent(errors.New("notify: message has no recipients"))
	}
	if !m.breaker.Allow(breakerKey) {
		return ErrUnavailable
	}

	payload, err := json.Marshal(struct {
		Message
		From string `json:"from"`
	}{Message: msg, From: m.from})
	if err != nil {
		return retry.Permanent(err)
	}

	rejected := false
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			m.baseURL+"/v1/send", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("email API request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			rejected = true
			return retry.Permanent(fmt.Errorf("email API rejected request: %s", resp.Status))
		default:
			return fmt.Errorf("email API error: %s", resp.Status)
		}
	})
	// Permanent rejections are the caller's problem, not an outage.
	if err != nil && !rejected {
		m.breaker.RecordFailure(breakerKey)
	} else {
		m.breaker.RecordSuccess(breakerKey)
	}
	return err
}

// NopMailer discards every message. Used when no email API is configured.
type NopMailer struct{}

// Send implements Mailer.
func (NopMailer) Send(ctx context.Context, msg Message) error { return nil }
