package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all marketplace tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentbazaar", version)
	client := NewMarketClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetGig, h.HandleGetGig)
	s.AddTool(ToolListSellerGigs, h.HandleListSellerGigs)
	s.AddTool(ToolPlaceOrder, h.HandlePlaceOrder)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListMyOrders, h.HandleListMyOrders)
	s.AddTool(ToolAcceptOrder, h.HandleAcceptOrder)
	s.AddTool(ToolStartWork, h.HandleStartWork)
	s.AddTool(ToolDeliver, h.HandleDeliver)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolRequestRevision, h.HandleRequestRevision)
	s.AddTool(ToolRejectOrder, h.HandleRejectOrder)
	s.AddTool(ToolSubmitReview, h.HandleSubmitReview)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)

	return s
}
