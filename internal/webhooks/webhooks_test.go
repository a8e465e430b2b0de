package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aguti1902/iqmind-sub000/internal/config"
	"github.com/Aguti1902/iqmind-sub000/internal/executor"
	"github.com/Aguti1902/iqmind-sub000/internal/notify"
	"github.com/Aguti1902/iqmind-sub000/internal/scanner"
	"github.com/Aguti1902/iqmind-sub000/internal/store"
)

type memMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *memMailer) Send(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *memMailer) byTemplate(id string) []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Message
	for _, msg := range m.sent {
		if msg.TemplateID == id {
			out = append(out, msg)
		}
	}
	return out
}

type fakeCanceler struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceler) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, subscriptionID)
	return nil
}

func setup(t *testing.T) (*gin.Engine, *store.MemoryStore, *memMailer, *fakeCanceler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	mailer := &memMailer{}
	canceler := &fakeCanceler{}
	th := config.LoadThresholds()
	exec := executor.New(executor.NewMemoryStore(), nil, mailer, th, nil,
		executor.WithCanceler(canceler))
	engine := scanner.New(st, exec, th, nil)
	router := NewRouter(engine, nil, mailer, nil)
	h := NewHandler(router, "test-secret")

	r := gin.New()
	h.RegisterRoutes(r.Group("/"))
	return r, st, mailer, canceler
}

func post(t *testing.T, r *gin.Engine, event map[string]any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(payload))
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, secret))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	r, _, _, _ := setup(t)

	w := post(t, r, map[string]any{"id": "evt_1", "type": "return.created"}, "wrong-secret")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	w = post(t, r, map[string]any{"id": "evt_1", "type": "return.created"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing signature should be rejected, got %d", w.Code)
	}
}

func TestReceiveRejectsMalformedEvent(t *testing.T) {
	r, _, _, _ := setup(t)

	w := post(t, r, map[string]any{"type": "return.created"}, "test-secret")
	if w.Code != http.StatusBadRequest {
		t.Errorf("event without id should 400, got %d", w.Code)
	}
}

func TestDisputeEventCancelsSubscription(t *testing.T) {
	r, st, _, canceler := setup(t)
	st.PutUser(&store.User{
		ID:                 "usr_1",
		Email:              "disputer@example.com",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: "active",
		CreatedAt:          time.Now().Add(-10 * 24 * time.Hour),
		LastLogin:          time.Now(),
	})

	w := post(t, r, map[string]any{
		"id":            "evt_1",
		"type":          "chargeback.created",
		"customerEmail": "disputer@example.com",
		"orderId":       "ord_1",
		"reason":        "fraud",
	}, "test-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(canceler.cancelled) != 1 || canceler.cancelled[0] != "sub_1" {
		t.Errorf("expected sub_1 cancelled, got %v", canceler.cancelled)
	}
}

func TestReplayedEventProcessedOnce(t *testing.T) {
	r, st, _, canceler := setup(t)
	st.PutUser(&store.User{
		ID:                 "usr_1",
		Email:              "disputer@example.com",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: "active",
		CreatedAt:          time.Now().Add(-10 * 24 * time.Hour),
		LastLogin:          time.Now(),
	})

	event := map[string]any{
		"id":            "evt_replay",
		"type":          "chargeback.created",
		"customerEmail": "disputer@example.com",
		"orderId":       "ord_1",
	}
	for i := 0; i < 3; i++ {
		if w := post(t, r, event, "test-secret"); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, w.Code)
		}
	}
	if len(canceler.cancelled) != 1 {
		t.Errorf("replays must not re-execute, got %d cancellations", len(canceler.cancelled))
	}
}

func TestSubscriptionCreatedSendsWelcome(t *testing.T) {
	r, _, mailer, _ := setup(t)

	w := post(t, r, map[string]any{
		"id":            "evt_2",
		"type":          "subscription.created",
		"customerEmail": "new@example.com",
	}, "test-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	welcomes := mailer.byTemplate(notify.TemplateSubscriptionCreated)
	if len(welcomes) != 1 || welcomes[0].To[0] != "new@example.com" {
		t.Errorf("expected one welcome email, got %+v", welcomes)
	}
}

func TestPaymentFailedDelegatesNotification(t *testing.T) {
	r, _, mailer, _ := setup(t)

	w := post(t, r, map[string]any{
		"id":            "evt_3",
		"type":          "invoice.payment_failed",
		"customerEmail": "late@example.com",
	}, "test-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(mailer.byTemplate(notify.TemplatePaymentFailed)) != 1 {
		t.Error("expected payment failure notification")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"return.created"}`)
	sig := Sign(payload, "secret")
	if !VerifySignature(payload, sig, "secret") {
		t.Error("valid signature rejected")
	}
	if VerifySignature(payload, sig, "other") {
		t.Error("signature for wrong secret accepted")
	}
	if VerifySignature([]byte(`tampered`), sig, "secret") {
		t.Error("tampered payload accepted")
	}
}
