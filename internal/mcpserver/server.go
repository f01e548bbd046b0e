package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/swapsale/pkg/saleclient"
)

// Config holds the configuration for connecting to the sale API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Caller string // Principal sent as the caller, e.g. "alice"
}

// NewMCPServer creates a configured MCP server with all sale tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("swapsale", "0.1.0")
	client := saleclient.New(saleclient.Config{BaseURL: cfg.APIURL, Caller: cfg.Caller})
	h := NewHandlers(client)

	s.AddTool(ToolGetSaleState, h.HandleGetSaleState)
	s.AddTool(ToolGetBuyer, h.HandleGetBuyer)
	s.AddTool(ToolOpenSale, h.HandleOpenSale)
	s.AddTool(ToolRefreshSaleTokens, h.HandleRefreshSaleTokens)
	s.AddTool(ToolRefreshBuyer, h.HandleRefreshBuyer)
	s.AddTool(ToolFinalizeSale, h.HandleFinalizeSale)

	return s
}
