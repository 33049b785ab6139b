package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Bloom tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("bloom", "1.0.0")
	client := NewBloomClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetLedgerHistory, h.HandleGetLedgerHistory)
	s.AddTool(ToolCreateInvestment, h.HandleCreateInvestment)
	s.AddTool(ToolGetInvestment, h.HandleGetInvestment)
	s.AddTool(ToolListQuests, h.HandleListQuests)
	s.AddTool(ToolClaimReward, h.HandleClaimReward)

	return s
}
