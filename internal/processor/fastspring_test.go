package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestListReturns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api-user" || pass != "api-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"returns": []map[string]any{
				{"return": "ret_1", "order": "ord_1", "customer": "a@b.c",
					"reason": "chargeback", "status": "open", "totalReturn": 29.99,
					"created": time.Now().UnixMilli()},
				{"return": "ret_2", "order": "ord_2", "customer": "d@e.f",
					"status": "completed", "totalReturn": 9.99,
					"created": time.Now().UnixMilli()},
			},
		})
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "api-user", "api-pass")
	disputes, err := c.ListReturns(context.Background(), time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disputes) != 2 {
		t.Fatalf("expected 2 disputes, got %d", len(disputes))
	}
	if !disputes[0].IsOpen() {
		t.Error("first dispute should be open")
	}
	if disputes[1].IsOpen() {
		t.Error("completed dispute reported open")
	}
}

func TestCountOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"total": 1000})
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	n, err := c.CountOrders(context.Background(), time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1000 {
		t.Errorf("expected 1000 orders, got %d", n)
	}
}

func TestCreateRefund_PassesIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("Idempotency-Key"); key != "ord_77" {
			t.Errorf("expected idempotency key ord_77, got %q", key)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["order"] != "ord_77" || body["reason"] == "" {
			t.Errorf("unexpected refund payload: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"return": "ret_77"})
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	id, err := c.CreateRefund(context.Background(), RefundRequest{
		OrderID: "ord_77",
		Reason:  "preventive refund",
		Comment: "risk signals detected",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ret_77" {
		t.Errorf("expected ret_77, got %q", id)
	}
}

func TestCreateRefund_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"return": "ret_1"})
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	if _, err := c.CreateRefund(context.Background(), RefundRequest{OrderID: "o1", Reason: "r"}); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestCreateRefund_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	if _, err := c.CreateRefund(context.Background(), RefundRequest{OrderID: "o1", Reason: "r"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewFastSpringClient("", "", "")
	if _, err := c.ListReturns(context.Background(), time.Now()); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.CountOrders(context.Background(), time.Now()); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.CreateRefund(context.Background(), RefundRequest{OrderID: "o"}); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := c.CancelSubscription(context.Background(), "sub_1"); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCancelSubscription(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	if err := c.CancelSubscription(context.Background(), "sub_99"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/subscriptions/sub_99" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestCancelSubscription_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	if err := c.CancelSubscription(context.Background(), "sub_gone"); err == nil {
		t.Fatal("expected error for unknown subscription")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestCancelSubscription_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewFastSpringClient(srv.URL, "u", "p")
	if err := c.CancelSubscription(context.Background(), "sub_5"); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}
