// Command mcp serves the agentbazaar order tools over MCP stdio so an LLM
// agent can buy and sell gigs through the HTTP API.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/mcpserver"
)

// Set with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:       os.Getenv("AGENTBAZAAR_API_URL"),
		APIKey:       os.Getenv("AGENTBAZAAR_API_KEY"),
		AgentAddress: os.Getenv("AGENTBAZAAR_AGENT_ADDRESS"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	for name, v := range map[string]string{
		"AGENTBAZAAR_API_KEY":       cfg.APIKey,
		"AGENTBAZAAR_AGENT_ADDRESS": cfg.AgentAddress,
	} {
		if v == "" {
			logger.Error("missing required environment variable", "name", name)
			os.Exit(2)
		}
	}

	logger.Info("serving MCP over stdio", "api", cfg.APIURL, "agent", cfg.AgentAddress, "version", Version)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}
