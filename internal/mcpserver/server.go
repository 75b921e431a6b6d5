package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all risk tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("riskscore", version)
	h := NewHandlers(NewRiskClient(cfg))

	s.AddTool(ToolAssessAsset, h.HandleAssessAsset)
	s.AddTool(ToolGetProtocolRisk, h.HandleGetProtocolRisk)
	s.AddTool(ToolListProtocols, h.HandleListProtocols)
	s.AddTool(ToolExplainScore, h.HandleExplainScore)

	return s
}
