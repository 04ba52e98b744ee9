// Package mcp implements the Model Context Protocol server for tsumugi.
//
// The MCP server exposes the run API to MCP-compatible agents: starting and
// resuming runs, inspecting thread state and pending interrupts, and reading
// a run's recorded events.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
)

// EventReader reads a run's recorded events. *storage.DB implements it.
type EventReader interface {
	GetEventsByRun(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.RunEvent, error)
}

// Server wraps the MCP server with tsumugi's run service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      *runs.Service
	events    EventReader
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and
// prompts. events may be nil when no database is configured; the
// tsumugi_run_events tool then reports that the journal is unavailable.
func New(svc *runs.Service, events EventReader, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:   svc,
		events: events,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsumugi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

const instructions = `tsumugi runs checkpointed agents. A run either finishes or pauses on an
interrupt that waits for your input. Use tsumugi_pending_interrupts to see
what a thread is waiting on, then call tsumugi_run with resume set to your
answer to continue it.`

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

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
