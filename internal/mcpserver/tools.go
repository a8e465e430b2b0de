package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risk engine MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetDisputeStats = mcp.NewTool("get_dispute_stats",
	mcp.WithDescription(
		"Get the current dispute ratio for the payment processor account. "+
			"Shows order count, dispute count, the ratio as a percentage, and the current "+
			"risk level (safe/warning/danger/critical). The processor suspends accounts "+
			"whose ratio reaches 1%."),
)

var ToolListRecentActions = mcp.NewTool("list_recent_actions",
	mcp.WithDescription(
		"List recent preventive actions taken by the risk engine "+
			"(automatic refunds, subscription cancellations, outreach emails, review flags). "+
			"Use this to audit what the engine has been doing."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of actions to return (default 20)")),
	mcp.WithString("kind",
		mcp.Description("Filter by action kind"),
		mcp.Enum("auto_refund", "auto_cancel", "proactive_email", "flag_for_review")),
)

var ToolGetAction = mcp.NewTool("get_action",
	mcp.WithDescription(
		"Get the full detail of a single preventive action by ID, including the risk "+
			"signals that triggered it, whether it executed, and any resulting refund ID."),
	mcp.WithString("action_id",
		mcp.Required(),
		mcp.Description("The action ID (e.g. 'act_...') from list_recent_actions")),
)

var ToolEvaluateUser = mcp.NewTool("evaluate_user",
	mcp.WithDescription(
		"Run a full risk evaluation for a user right now. Collects signals from their "+
			"test results, email, and account usage, and executes the resulting preventive "+
			"action if any. Returns the signals found and the action taken."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID to evaluate (e.g. 'usr_...')")),
)

var ToolListDisputeHistory = mcp.NewTool("list_dispute_history",
	mcp.WithDescription(
		"List historical dispute-ratio snapshots recorded by the monitor. "+
			"Use this to see whether the ratio is trending up or down over time."),
	mcp.WithNumber("days",
		mcp.Description("How many days of history to return (default 7)")),
)

var ToolGetRefundBudget = mcp.NewTool("get_refund_budget",
	mcp.WithDescription(
		"Check how much of today's automatic-refund budget has been used. "+
			"Shows refunds executed today (UTC), the daily cap, and the per-refund amount cap."),
)
