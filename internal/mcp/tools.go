package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsumugi/internal/ctxutil"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
)

const maxRunEvents = 1000

func (s *Server) registerTools() {
	// tsumugi_run: start or resume a run and wait for it to finish or pause.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsumugi_run",
			mcplib.WithDescription(`Run an agent on a thread and return a summary once it finishes or pauses.

WHEN TO USE: To send a user message to an agent, or to answer an interrupt
the agent is waiting on.

To answer an interrupt, leave message empty and set resume to your answer.
resume is parsed as JSON when it is valid JSON and sent as a plain string
otherwise. When the thread has more than one pending interrupt, also set
interrupt_id (see tsumugi_pending_interrupts).

WHAT YOU GET BACK:
- outcome: success, interrupt or error
- text: what the agent said, per message
- tool_calls: tool calls the agent made
- interrupt: the pause point when outcome is interrupt`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent",
				mcplib.Description("Name of the agent to run"),
				mcplib.Required(),
			),
			mcplib.WithString("thread_id",
				mcplib.Description("Conversation thread. Reuse it to continue a conversation."),
				mcplib.Required(),
			),
			mcplib.WithString("message",
				mcplib.Description("User message to send"),
			),
			mcplib.WithString("resume",
				mcplib.Description("Answer to a pending interrupt"),
			),
			mcplib.WithString("interrupt_id",
				mcplib.Description("Which pending interrupt resume answers"),
			),
		),
		s.handleRun,
	)

	// tsumugi_thread_state: read a thread's checkpointed state.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsumugi_thread_state",
			mcplib.WithDescription("Read a thread's current values, messages and pending interrupts without running anything."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent", mcplib.Description("Agent that owns the thread"), mcplib.Required()),
			mcplib.WithString("thread_id", mcplib.Description("Thread to read"), mcplib.Required()),
		),
		s.handleThreadState,
	)

	// tsumugi_pending_interrupts: list what a thread is waiting on.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsumugi_pending_interrupts",
			mcplib.WithDescription(`List the interrupts a thread is paused on.

Each entry has an id, the node that paused, a reason and the value the agent
attached. Pass the id as interrupt_id to tsumugi_run when more than one is
pending.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent", mcplib.Description("Agent that owns the thread"), mcplib.Required()),
			mcplib.WithString("thread_id", mcplib.Description("Thread to inspect"), mcplib.Required()),
		),
		s.handlePendingInterrupts,
	)

	// tsumugi_run_events: replay a run's recorded events.
	s.mcpServer.AddTool(
		mcplib.NewTool("tsumugi_run_events",
			mcplib.WithDescription("Read the events recorded for a run, in emission order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run to read"), mcplib.Required()),
			mcplib.WithNumber("after_seq",
				mcplib.Description("Only return events with a higher sequence number"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(maxRunEvents),
				mcplib.DefaultNumber(200),
			),
		),
		s.handleRunEvents,
	)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !model.RoleAtLeast(claims.Role, model.RoleRunner) {
		return errorResult("starting runs requires the runner role"), nil
	}

	agent := request.GetString("agent", "")
	threadID := request.GetString("thread_id", "")
	if agent == "" || threadID == "" {
		return errorResult("agent and thread_id are required"), nil
	}
	message := request.GetString("message", "")
	resume := request.GetString("resume", "")
	interruptID := request.GetString("interrupt_id", "")
	if message == "" && resume == "" {
		return errorResult("one of message or resume is required"), nil
	}

	in := model.RunInput{
		ThreadID: threadID,
		RunID:    uuid.NewString(),
		Messages: []model.Message{},
	}
	if message != "" {
		in.Messages = append(in.Messages, model.Message{
			ID:      uuid.NewString(),
			Role:    model.RoleUser,
			Content: message,
		})
	}
	if resume != "" {
		in.Resume = &model.Resume{InterruptID: interruptID, Payload: resumePayload(resume)}
	}

	var events []model.Event
	err := s.runs.Run(ctx, agent, in, func(e model.Event) error {
		events = append(events, e)
		return nil
	})
	if len(events) == 0 {
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}
	// A failed run still carries RUN_STARTED and RUN_ERROR; the summary
	// reports them.
	result := jsonResult(summarizeRun(events))
	if err != nil {
		s.logger.Warn("mcp: run failed", "agent", agent, "thread_id", threadID, "run_id", in.RunID, "error", err)
		result.IsError = true
	}
	return result, nil
}

// resumePayload decodes raw as JSON, falling back to the raw string.
func resumePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (s *Server) handleThreadState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent := request.GetString("agent", "")
	threadID := request.GetString("thread_id", "")
	if agent == "" || threadID == "" {
		return errorResult("agent and thread_id are required"), nil
	}
	view, err := s.runs.ThreadState(ctx, agent, threadID)
	if err != nil {
		return errorResult(stateError(err)), nil
	}
	return jsonResult(view), nil
}

func (s *Server) handlePendingInterrupts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent := request.GetString("agent", "")
	threadID := request.GetString("thread_id", "")
	if agent == "" || threadID == "" {
		return errorResult("agent and thread_id are required"), nil
	}
	view, err := s.runs.ThreadState(ctx, agent, threadID)
	if err != nil {
		return errorResult(stateError(err)), nil
	}
	return jsonResult(map[string]any{
		"thread_id":  threadID,
		"interrupts": view.Interrupts,
		"count":      len(view.Interrupts),
	}), nil
}

func stateError(err error) string {
	if errors.Is(err, runs.ErrUnknownAgent) {
		return err.Error()
	}
	return fmt.Sprintf("read thread state failed: %v", err)
}

func (s *Server) handleRunEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.events == nil {
		return errorResult("run events are not recorded: no database configured"), nil
	}
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	afterSeq := int64(max(0, request.GetInt("after_seq", 0)))
	limit := min(max(1, request.GetInt("limit", 200)), maxRunEvents)

	events, err := s.events.GetEventsByRun(ctx, runID, afterSeq, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("read run events failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, compactRunEvent(e))
	}
	return jsonResult(map[string]any{
		"run_id":   runID,
		"events":   out,
		"has_more": len(events) == limit,
	}), nil
}
