// riskscore MCP server - exposes risk assessments as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/riskscore/internal/logging"
	"github.com/mbd888/riskscore/internal/mcpserver"
)

var Version = "dev"

func main() {
	// stdout carries the protocol
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("RISKSCORE_API_URL", "http://localhost:8080"),
	}
	if v := os.Getenv("RISKSCORE_API_TIMEOUT_SECONDS"); v != "" {
		d, err := time.ParseDuration(v + "s")
		if err != nil || d <= 0 {
			fmt.Fprintln(os.Stderr, "RISKSCORE_API_TIMEOUT_SECONDS must be a positive number")
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	logger.Info("starting riskscore MCP server", "api_url", cfg.APIURL, "version", Version)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
