package stream

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// Reasoning is reasoning text extracted from a single chunk.
type Reasoning struct {
	Text  string
	Index int
}

// ReasoningProcess is the reasoning block currently open in a run.
type ReasoningProcess struct {
	Index     int
	ID        string
	MessageID string
	Fragments []string
}

// ExtractReasoning pulls reasoning out of a chunk.
//
// Anthropic-style thinking in the chunk content is checked first. When the
// content is a non-empty list, its first element decides: a non-empty
// "thinking" field is reasoning, anything else is not, and the OpenAI-style
// reasoning summary in additional kwargs is never consulted. The summary is
// only read when the content is empty, absent or a plain string. Missing
// indices default to 0.
func ExtractReasoning(c engine.Chunk) (Reasoning, bool) {
	if blocks, ok := asList(c.Content); ok && len(blocks) > 0 {
		first, ok := blocks[0].(map[string]any)
		if !ok {
			return Reasoning{}, false
		}
		text, _ := first["thinking"].(string)
		if text == "" {
			return Reasoning{}, false
		}
		return Reasoning{Text: text, Index: intField(first, "index")}, true
	}

	reasoning, ok := c.AdditionalKwargs["reasoning"].(map[string]any)
	if !ok {
		return Reasoning{}, false
	}
	summary, ok := asList(reasoning["summary"])
	if !ok || len(summary) == 0 {
		return Reasoning{}, false
	}
	entry, ok := summary[0].(map[string]any)
	if !ok {
		return Reasoning{}, false
	}
	text, _ := entry["text"].(string)
	if text == "" {
		return Reasoning{}, false
	}
	return Reasoning{Text: text, Index: intField(entry, "index")}, true
}

// ReasoningID is the identifier of the reasoning block at index in a run.
func ReasoningID(runID string, index int) string {
	return fmt.Sprintf("%s-%d", runID, index)
}

// reason applies one reasoning fragment to the run. A fragment at a new
// index closes the open block before a fresh one is opened.
func (r *Run) reason(rs Reasoning) []model.Event {
	var events []model.Event
	if r.Reasoning != nil && r.Reasoning.Index != rs.Index {
		events = append(events, r.closeReasoning()...)
	}
	if r.Reasoning == nil {
		id := ReasoningID(r.ID, rs.Index)
		r.Reasoning = &ReasoningProcess{Index: rs.Index, ID: id, MessageID: id}
		events = append(events,
			model.ReasoningStart(id),
			model.ReasoningMessageStart(id),
		)
	}
	r.Reasoning.Fragments = append(r.Reasoning.Fragments, rs.Text)
	return append(events, model.ReasoningMessageContent(r.Reasoning.MessageID, rs.Text))
}

// closeReasoning ends the open reasoning block, if any, and flushes it into
// the run's finalized reasoning messages.
func (r *Run) closeReasoning() []model.Event {
	p := r.Reasoning
	if p == nil {
		return nil
	}
	r.Reasoning = nil
	r.ReasoningMessages = append(r.ReasoningMessages, model.ReasoningMessage(p.ID, p.Fragments))
	return []model.Event{
		model.ReasoningMessageEnd(p.MessageID),
		model.ReasoningEnd(p.ID),
	}
}

// asList normalises the list shapes chunk content arrives in: []any from
// decoded JSON and []map[string]any from Go-constructed chunks.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	default:
		return 0
	}
}
