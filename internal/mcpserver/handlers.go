package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EngineClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EngineClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetDisputeStats returns the current dispute ratio.
func (h *Handlers) HandleGetDisputeStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetDisputeStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListRecentActions lists recent preventive actions.
func (h *Handlers) HandleListRecentActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	kind := req.GetString("kind", "")

	raw, err := h.client.ListActions(ctx, limit, kind)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list actions: %v", err)), nil
	}

	text, err := formatActionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse actions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetAction returns a single action with its signals.
func (h *Handlers) HandleGetAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("action_id", "")
	if id == "" {
		return mcp.NewToolResultError("action_id is required"), nil
	}

	raw, err := h.client.GetAction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get action: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleEvaluateUser triggers an on-demand evaluation.
func (h *Handlers) HandleEvaluateUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.EvaluateUser(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	text, err := formatOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse outcome: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListDisputeHistory lists historical ratio snapshots.
func (h *Handlers) HandleListDisputeHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("days", 7)

	raw, err := h.client.ListSnapshots(ctx, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list snapshots: %v", err)), nil
	}

	text, err := formatSnapshotList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse snapshots: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetRefundBudget reports the refund budget for the current UTC day.
func (h *Handlers) HandleGetRefundBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetRefundBudget(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get refund budget: %v", err)), nil
	}

	text, err := formatRefundBudget(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse refund budget: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatStats(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	// Stats might be at top level or nested under "stats"
	if s, ok := m["stats"].(map[string]any); ok {
		m = s
	}

	orders, _ := getFloat(m, "orderCount")
	disputes, _ := getFloat(m, "disputeCount")
	open, _ := getFloat(m, "openDisputes")
	ratio, _ := getFloat(m, "ratio")
	level := getString(m, "level")
	days, _ := getFloat(m, "periodDays")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute ratio: %.2f%% (%s)\n", ratio, level)
	fmt.Fprintf(&sb, "  Orders (last %.0f days): %.0f\n", days, orders)
	fmt.Fprintf(&sb, "  Disputes: %.0f (%.0f open)\n", disputes, open)

	switch level {
	case "warning":
		sb.WriteString("\nThe ratio has crossed the 0.5% warning band. Watch for new disputes.")
	case "danger":
		sb.WriteString("\nThe ratio has crossed the 0.75% danger band. The account is at risk of suspension at 1%.")
	case "critical":
		sb.WriteString("\nThe ratio is at or above 1%. The processor may suspend the account.")
	}
	return sb.String(), nil
}

func formatActionList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Actions []map[string]any `json:"actions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Actions == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &wrapper.Actions); err != nil {
			return "", fmt.Errorf("unexpected actions response format")
		}
	}

	if len(wrapper.Actions) == 0 {
		return "No preventive actions recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d action(s):\n\n", len(wrapper.Actions))
	for i, a := range wrapper.Actions {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, getString(a, "kind"), getString(a, "id"))
		fmt.Fprintf(&sb, "   Subject: %s\n", subjectLine(a))
		if reason := getString(a, "reason"); reason != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", reason)
		}
		if executed, ok := a["executed"].(bool); ok && executed {
			fmt.Fprintf(&sb, "   Executed: %s\n", getString(a, "executedAt"))
		} else {
			sb.WriteString("   Executed: no\n")
		}
		if i < len(wrapper.Actions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func subjectLine(a map[string]any) string {
	email := getString(a, "subjectEmail")
	userID := getString(a, "subjectUserId")
	switch {
	case email != "" && userID != "":
		return fmt.Sprintf("%s (%s)", email, userID)
	case email != "":
		return email
	case userID != "":
		return userID
	default:
		return "unknown"
	}
}

func formatOutcome(raw json.RawMessage) (string, error) {
	var resp struct {
		Signals []map[string]any `json:"signals"`
		Action  map[string]any   `json:"action"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if len(resp.Signals) == 0 {
		sb.WriteString("No risk signals detected. The account looks clean.")
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "Detected %d risk signal(s):\n", len(resp.Signals))
	for _, s := range resp.Signals {
		fmt.Fprintf(&sb, "  - [%s] %s: %s\n",
			getString(s, "severity"), getString(s, "kind"), getString(s, "description"))
	}

	if resp.Action == nil {
		sb.WriteString("\nNo preventive action was warranted.")
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "\nAction taken: %s (%s)\n", getString(resp.Action, "kind"), getString(resp.Action, "id"))
	fmt.Fprintf(&sb, "Reason: %s\n", getString(resp.Action, "reason"))
	if id := getString(resp.Action, "refundId"); id != "" {
		fmt.Fprintf(&sb, "Refund: %s\n", id)
	}
	return sb.String(), nil
}

func formatSnapshotList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Snapshots []map[string]any `json:"snapshots"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Snapshots == nil {
		if err := json.Unmarshal(raw, &wrapper.Snapshots); err != nil {
			return "", fmt.Errorf("unexpected snapshots response format")
		}
	}

	if len(wrapper.Snapshots) == 0 {
		return "No snapshots recorded yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d snapshot(s):\n\n", len(wrapper.Snapshots))
	for _, s := range wrapper.Snapshots {
		ratio, _ := getFloat(s, "ratio")
		disputes, _ := getFloat(s, "disputeCount")
		orders, _ := getFloat(s, "orderCount")
		fmt.Fprintf(&sb, "%s  %.2f%% (%s)  %.0f disputes / %.0f orders\n",
			getString(s, "computedAt"), ratio, getString(s, "level"), disputes, orders)
	}
	return sb.String(), nil
}

func formatRefundBudget(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	used, _ := getFloat(m, "refundsToday")
	budget, _ := getFloat(m, "dailyCap")
	maxAmount, _ := getFloat(m, "maxAutoRefundAmount")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Automatic refunds today (UTC): %.0f of %.0f\n", used, budget)
	fmt.Fprintf(&sb, "Per-refund cap: %.2f EUR\n", maxAmount)
	if used >= budget && budget > 0 {
		sb.WriteString("\nThe daily budget is exhausted. Further refund-worthy cases will be flagged for review instead.")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
