// Package mcp implements the Model Context Protocol surface for Tejun.
//
// The MCP server exposes run submission, run inspection, and approval
// decisions as tools, so MCP-compatible agents can drive runbooks through
// the same executor and policy gate as the HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tejun/internal/approval"
	"github.com/ashita-ai/tejun/internal/audit"
	"github.com/ashita-ai/tejun/internal/executor"
	"github.com/ashita-ai/tejun/internal/store"
)

// Launcher schedules background execution of a submitted run. Same contract
// as the HTTP server's launcher.
type Launcher interface {
	Launch(runID uuid.UUID)
}

// Server wraps the MCP server with Tejun's core services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      store.RunStore
	exec      *executor.Executor
	approvals *approval.Service
	recorder  *audit.Recorder
	launcher  Launcher
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(runs store.RunStore, exec *executor.Executor, approvals *approval.Service,
	recorder *audit.Recorder, launcher Launcher, logger *slog.Logger) *Server {
	s := &Server{
		runs:      runs,
		exec:      exec,
		approvals: approvals,
		recorder:  recorder,
		launcher:  launcher,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tejun",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// jsonResult renders v as an indented JSON tool result.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
