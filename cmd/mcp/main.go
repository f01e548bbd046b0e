// Swapsale MCP server - exposes the sale API as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/swapsale/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("SWAPSALE_API_URL", "http://localhost:8080"),
		Caller: os.Getenv("SWAPSALE_CALLER"),
	}

	if cfg.Caller == "" {
		fmt.Fprintln(os.Stderr, "SWAPSALE_CALLER not set; refresh_buyer will require a principal")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
