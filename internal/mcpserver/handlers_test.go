package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		APIKey: "sk_test_key",
	}
	client := NewEngineClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEngineClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.GetDisputeStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid API key"})
	}))
	defer ts.Close()

	client := NewEngineClient(Config{APIURL: ts.URL, APIKey: "bad"})
	_, err := client.GetDisputeStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Contains(t, err.Error(), "403")
}

func TestClient_ListActions_QueryParams(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"actions":[]}`))
	}))
	defer ts.Close()

	client := NewEngineClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ListActions(context.Background(), 5, "auto_refund")
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "limit=5")
	assert.Contains(t, gotQuery, "kind=auto_refund")
}

func TestClient_EvaluateUser_PathAndMethod(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"signals":[],"action":null}`))
	}))
	defer ts.Close()

	client := NewEngineClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.EvaluateUser(context.Background(), "usr_42")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/evaluations/users/usr_42", gotPath)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetDisputeStats(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderCount":   1000,
			"disputeCount": 8,
			"openDisputes": 3,
			"ratio":        0.8,
			"level":        "danger",
			"periodDays":   30,
		})
	}))
	defer done()

	result, err := h.HandleGetDisputeStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "0.80%")
	assert.Contains(t, text, "danger")
	assert.Contains(t, text, "1000")
	assert.Contains(t, text, "3 open")
	assert.Contains(t, text, "risk of suspension")
}

func TestHandleGetDisputeStats_SafeLevelNoWarning(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderCount": 500, "disputeCount": 1, "ratio": 0.2, "level": "safe", "periodDays": 30,
		})
	}))
	defer done()

	result, err := h.HandleGetDisputeStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "safe")
	assert.NotContains(t, text, "suspension")
}

func TestHandleListRecentActions(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"actions": []map[string]any{
				{
					"id": "act_1", "kind": "auto_refund",
					"subjectEmail": "a@example.com", "subjectUserId": "usr_1",
					"reason": "test completed in 45s", "executed": true,
					"executedAt": "2026-08-30T10:00:00Z",
				},
				{
					"id": "act_2", "kind": "flag_for_review",
					"subjectEmail": "b@example.com", "executed": false,
				},
			},
		})
	}))
	defer done()

	result, err := h.HandleListRecentActions(context.Background(), makeRequest(map[string]any{"limit": float64(10)}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "Found 2 action(s)")
	assert.Contains(t, text, "[auto_refund] act_1")
	assert.Contains(t, text, "a@example.com (usr_1)")
	assert.Contains(t, text, "test completed in 45s")
	assert.Contains(t, text, "Executed: no")
}

func TestHandleListRecentActions_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[]}`))
	}))
	defer done()

	result, err := h.HandleListRecentActions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No preventive actions")
}

func TestHandleGetAction_RequiresID(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the API without an action_id")
	}))
	defer done()

	result, err := h.HandleGetAction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "action_id is required")
}

func TestHandleEvaluateUser_SignalsAndAction(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"signals": []map[string]any{
				{"kind": "no_usage", "severity": "medium", "description": "no login for 35 days"},
			},
			"action": map[string]any{
				"id": "act_9", "kind": "proactive_email",
				"reason": "no usage since signup",
			},
		})
	}))
	defer done()

	result, err := h.HandleEvaluateUser(context.Background(), makeRequest(map[string]any{"user_id": "usr_9"}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "1 risk signal(s)")
	assert.Contains(t, text, "no_usage")
	assert.Contains(t, text, "proactive_email")
	assert.Contains(t, text, "act_9")
}

func TestHandleEvaluateUser_Clean(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signals":[],"action":null}`))
	}))
	defer done()

	result, err := h.HandleEvaluateUser(context.Background(), makeRequest(map[string]any{"user_id": "usr_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "looks clean")
}

func TestHandleEvaluateUser_RequiresUserID(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the API without a user_id")
	}))
	defer done()

	result, err := h.HandleEvaluateUser(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListDisputeHistory(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "days=14")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"snapshots": []map[string]any{
				{"computedAt": "2026-08-29T12:00:00Z", "ratio": 0.6, "level": "warning", "disputeCount": 6, "orderCount": 1000},
				{"computedAt": "2026-08-30T12:00:00Z", "ratio": 0.7, "level": "warning", "disputeCount": 7, "orderCount": 1000},
			},
		})
	}))
	defer done()

	result, err := h.HandleListDisputeHistory(context.Background(), makeRequest(map[string]any{"days": float64(14)}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "2 snapshot(s)")
	assert.Contains(t, text, "0.60%")
	assert.Contains(t, text, "0.70%")
	assert.Contains(t, text, "warning")
}

func TestHandleGetRefundBudget_Exhausted(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"refundsToday":        5,
			"dailyCap":            5,
			"maxAutoRefundAmount": 50.0,
		})
	}))
	defer done()

	result, err := h.HandleGetRefundBudget(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "5 of 5")
	assert.Contains(t, text, "50.00 EUR")
	assert.Contains(t, text, "budget is exhausted")
}

func TestHandleGetRefundBudget_Available(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"refundsToday": 1, "dailyCap": 5, "maxAutoRefundAmount": 50.0,
		})
	}))
	defer done()

	result, err := h.HandleGetRefundBudget(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.NotContains(t, resultText(t, result), "exhausted")
}

func TestHandleGetDisputeStats_APIDown(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer done()

	result, err := h.HandleGetDisputeStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
