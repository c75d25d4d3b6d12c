// Package mcp implements the Model Context Protocol server for garage.
//
// The MCP server exposes the orchestration runner through MCP tools and the
// error log through MCP resources, so MCP-compatible agents can run plans,
// invoke single agents, and triage failures without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
)

// ErrorReader is the read side of the master error log.
type ErrorReader interface {
	GetErrorRecord(ctx context.Context, errorID uuid.UUID) (model.ErrorRecord, error)
	ListErrorRecords(ctx context.Context, f model.ErrorRecordFilter) ([]model.ErrorRecord, error)
}

// Server wraps the MCP server with garage's orchestration layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runner    *orchestra.Runner
	errors    ErrorReader
	logger    *slog.Logger
	version   string
}

// New creates and configures a new MCP server with all resources, tools, and
// prompts. errors may be nil, in which case the error tools and resources
// report that no error log is configured.
func New(runner *orchestra.Runner, errors ErrorReader, logger *slog.Logger, version string) *Server {
	s := &Server{
		runner:  runner,
		errors:  errors,
		logger:  logger,
		version: version,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"garage",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(`garage runs altitude plans: ordered steps delegated to agents, threaded through one HDO (hierarchical data object).

Use orchestra_run_plan to execute a whole plan, orchestra_invoke for a single agent action,
orchestra_active to see what is running, and orchestra_errors to inspect failures.
Every failed run leaves exactly one error record; its error_id is in the failure message.`),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// callContext captures the MCP session and tool for error records.
func callContext(ctx context.Context, tool string) model.CallContext {
	call := model.CallContext{MCPToolName: tool}
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		call.MCPSessionID = session.SessionID()
	}
	return call
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
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
