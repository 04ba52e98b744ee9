package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// resume-interrupt: walks the agent through answering a paused thread.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("resume-interrupt",
			mcplib.WithPromptDescription("Answer the interrupt a thread is paused on"),
			mcplib.WithArgument("agent",
				mcplib.ArgumentDescription("Agent that owns the thread"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("thread_id",
				mcplib.ArgumentDescription("Thread that is paused"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleResumeInterruptPrompt,
	)

	// run-workflow: explains the run, pause and resume cycle.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-workflow",
			mcplib.WithPromptDescription("How tsumugi runs pause on interrupts and how to resume them"),
		),
		s.handleRunWorkflowPrompt,
	)
}

func (s *Server) handleResumeInterruptPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agent := request.Params.Arguments["agent"]
	threadID := request.Params.Arguments["thread_id"]
	if agent == "" || threadID == "" {
		return nil, fmt.Errorf("agent and thread_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Resume thread %s of %s", threadID, agent),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Thread %[2]s of agent %[1]s may be paused waiting for input.

1. CALL tsumugi_pending_interrupts with agent="%[1]s" and thread_id="%[2]s".

2. REVIEW each interrupt:
   - reason says what kind of input is needed (tool_approval, human_input, ...).
   - value carries the details the agent attached, such as the tool call to approve.
   - If count is 0 there is nothing to answer. Stop here.

3. DECIDE on an answer for one interrupt.

4. CALL tsumugi_run with:
   - agent="%[1]s", thread_id="%[2]s"
   - resume: your answer, as JSON or plain text
   - interrupt_id: the id you answered (required when count is more than 1)

5. If the run pauses again, repeat from step 2.`, agent, threadID),
				},
			},
		},
	}, nil
}

func (s *Server) handleRunWorkflowPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "tsumugi run workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to tsumugi, which runs checkpointed agents on named threads.

## Runs

Call tsumugi_run with a message to talk to an agent. The thread keeps the
conversation, so reuse thread_id to continue it. A run ends with one of:

- success: the agent finished its turn.
- interrupt: the agent paused and is waiting for input.
- error: the run failed. The error code says why.

## Interrupts

A paused run reports an interrupt with an id and a reason. Answer it by
calling tsumugi_run again with resume set and message empty. If several
interrupts are pending, set interrupt_id too. A resume that does not name
one of them is rejected.

## Available Tools

- tsumugi_run: Start or resume a run
- tsumugi_thread_state: Read a thread's values and messages
- tsumugi_pending_interrupts: List what a thread is waiting on
- tsumugi_run_events: Replay the events recorded for a run`,
				},
			},
		},
	}, nil
}
