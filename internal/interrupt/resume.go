package interrupt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/messages"
)

// ToolResultsKey is the state key tool results carried by resumes are
// recorded under, keyed by tool call id.
const ToolResultsKey = "tool_results"

// Router turns a matched resume into an engine command.
type Router struct {
	writer engine.StateWriter
	logger *slog.Logger
}

// NewRouter creates a Router that persists tool results through w.
func NewRouter(w engine.StateWriter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{writer: w, logger: logger}
}

// ToolContext reports the tool and tool call an interrupt was raised for.
func ToolContext(in engine.Interrupt) (tool, toolCallID string, ok bool) {
	m, isMap := in.Value.(map[string]any)
	if !isMap {
		return "", "", false
	}
	tool, _ = m["tool"].(string)
	toolCallID, _ = m["tool_call_id"].(string)
	return tool, toolCallID, tool != "" && toolCallID != ""
}

// Route builds the continuation command for match.
//
// When the interrupt was raised for a tool call, the payload is persisted
// first as that call's result, attributed to the interrupted task's node.
// The record goes under ToolResultsKey rather than into the message list so
// the engine never sees a tool message it did not produce. A failed write
// aborts the resume.
func (r *Router) Route(ctx context.Context, threadID string, payload any, match Pending) (*engine.Command, error) {
	if tool, toolCallID, ok := ToolContext(match.Interrupt); ok {
		record := messages.ToolResultEnvelope(toolCallID, tool, payload, nil)
		update := engine.Update{Values: map[string]any{
			ToolResultsKey: map[string]any{toolCallID: record},
		}}
		if err := r.writer.UpdateState(ctx, threadID, update, match.Task.Name); err != nil {
			return nil, fmt.Errorf("interrupt: persist tool result: %w", err)
		}
		r.logger.Debug("persisted tool result for resume",
			"thread_id", threadID,
			"interrupt_id", match.Interrupt.ID,
			"tool_call_id", toolCallID,
			"node", match.Task.Name,
		)
	}

	return &engine.Command{Resume: map[string]any{match.Interrupt.ID: payload}}, nil
}
