package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the risk engine's operator tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("iqmind-risk", "1.0.0")

	client := NewEngineClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetDisputeStats, h.HandleGetDisputeStats)
	s.AddTool(ToolListRecentActions, h.HandleListRecentActions)
	s.AddTool(ToolGetAction, h.HandleGetAction)
	s.AddTool(ToolEvaluateUser, h.HandleEvaluateUser)
	s.AddTool(ToolListDisputeHistory, h.HandleListDisputeHistory)
	s.AddTool(ToolGetRefundBudget, h.HandleGetRefundBudget)

	return s
}
