package mcp

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/tsumugi/internal/model"
)

const (
	maxCompactText  = 2000
	maxCompactDelta = 200
)

// summarizeRun folds a run's event stream into the shape an agent acts on:
// the outcome, what was said, which tools were called and, when paused, the
// interrupt. Reasoning text and snapshots are left out.
func summarizeRun(events []model.Event) map[string]any {
	m := map[string]any{"event_count": len(events)}

	var (
		order     []string
		texts     = map[string]*strings.Builder{}
		toolCalls []map[string]any
		argsByID  = map[string]*strings.Builder{}
	)
	for _, e := range events {
		switch e.Type {
		case model.EventRunStarted:
			m["run_id"] = e.RunID
			m["thread_id"] = e.ThreadID
		case model.EventTextMessageStart:
			if _, ok := texts[e.MessageID]; !ok {
				order = append(order, e.MessageID)
				texts[e.MessageID] = &strings.Builder{}
			}
		case model.EventTextMessageContent:
			if b, ok := texts[e.MessageID]; ok {
				b.WriteString(e.Delta)
			}
		case model.EventToolCallStart:
			argsByID[e.ToolCallID] = &strings.Builder{}
			toolCalls = append(toolCalls, map[string]any{
				"id":   e.ToolCallID,
				"name": e.ToolCallName,
			})
		case model.EventToolCallArgs:
			if b, ok := argsByID[e.ToolCallID]; ok {
				b.WriteString(e.Delta)
			}
		case model.EventRunFinished:
			m["outcome"] = e.Outcome
			if e.Interrupt != nil {
				m["interrupt"] = e.Interrupt
			}
		case model.EventRunError:
			m["outcome"] = "error"
			m["error"] = map[string]any{"message": e.Message, "code": e.Code}
		}
	}

	if len(order) > 0 {
		msgs := make([]map[string]any, 0, len(order))
		for _, id := range order {
			msgs = append(msgs, map[string]any{"id": id, "text": truncate(texts[id].String(), maxCompactText)})
		}
		m["text"] = msgs
	}
	if len(toolCalls) > 0 {
		for _, tc := range toolCalls {
			tc["args"] = truncate(argsByID[tc["id"].(string)].String(), maxCompactText)
		}
		m["tool_calls"] = toolCalls
	}
	if _, ok := m["outcome"]; !ok {
		// Stream ended without a closing event: the run was cut short.
		m["outcome"] = "incomplete"
	}
	return m
}

// compactRunEvent returns a recorded event without the bookkeeping the
// caller already knows (row id, run and thread ids). Long deltas are cut.
func compactRunEvent(e model.RunEvent) map[string]any {
	m := map[string]any{
		"seq":         e.SequenceNum,
		"type":        e.EventType,
		"occurred_at": e.OccurredAt,
	}
	var payload model.Event
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		m["payload"] = e.Payload
		return m
	}
	payload.ThreadID, payload.RunID = "", ""
	payload.Delta = truncate(payload.Delta, maxCompactDelta)
	m["payload"] = payload
	return m
}

// truncate cuts s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
