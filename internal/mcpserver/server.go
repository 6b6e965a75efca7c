package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("alancoin-escrow", "1.0.0")
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolRecordDelivery, h.HandleRecordDelivery)
	s.AddTool(ToolDisputeTransaction, h.HandleDisputeTransaction)
	s.AddTool(ToolGetFeedback, h.HandleGetFeedback)

	return s
}
