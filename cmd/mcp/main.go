// Escrow MCP Server - exposes transaction status, delivery and disputes as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/alancoin-escrow/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("ESCROW_API_URL", "http://localhost:8080"),
		AgentID: os.Getenv("ESCROW_AGENT_ID"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "ESCROW_AGENT_ID is required")
		os.Exit(1)
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
