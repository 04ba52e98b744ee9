package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentsURI         = "tsumugi://agents"
	threadStatePrefix = "tsumugi://agents/"
)

func (s *Server) registerResources() {
	// tsumugi://agents: the agents this server can run.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("Names of the agents this server can run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// tsumugi://agents/{agent}/threads/{thread_id}/state: a thread's state.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsumugi://agents/{agent}/threads/{thread_id}/state",
			"Thread State",
			mcplib.WithTemplateDescription("Checkpointed state and pending interrupts of a thread"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleThreadStateResource,
	)
}

func (s *Server) handleAgents(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{"agents": s.runs.Agents()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleThreadStateResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agent, threadID, err := parseThreadStateURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	view, err := s.runs.ThreadState(ctx, agent, threadID)
	if err != nil {
		return nil, fmt.Errorf("mcp: thread state: %w", err)
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal thread state: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseThreadStateURI extracts the agent and thread id from
// tsumugi://agents/{agent}/threads/{thread_id}/state.
func parseThreadStateURI(uri string) (agent, threadID string, err error) {
	rest, ok := strings.CutPrefix(uri, threadStatePrefix)
	if !ok {
		return "", "", fmt.Errorf("mcp: invalid thread state URI: %s", uri)
	}
	rest, ok = strings.CutSuffix(rest, "/state")
	if !ok {
		return "", "", fmt.Errorf("mcp: invalid thread state URI: %s", uri)
	}
	agent, threadID, ok = strings.Cut(rest, "/threads/")
	if !ok {
		return "", "", fmt.Errorf("mcp: invalid thread state URI: %s", uri)
	}
	if agent == "" || strings.Contains(agent, "/") {
		return "", "", fmt.Errorf("mcp: invalid thread state URI: empty or nested agent in %s", uri)
	}
	if threadID == "" || strings.Contains(threadID, "/") {
		return "", "", fmt.Errorf("mcp: invalid thread state URI: empty or nested thread_id in %s", uri)
	}
	return agent, threadID, nil
}
