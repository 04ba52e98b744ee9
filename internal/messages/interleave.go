package messages

import "github.com/ashita-ai/tsumugi/internal/model"

// InterleaveReasoning places the reasoning produced by the current run into
// a full message history.
//
// Pairing follows document order: each reasoning entry goes immediately
// before the next assistant message that has not been paired yet, one entry
// per assistant. Reasoning left over when the assistants run out is dropped.
// An entry whose id is already in the history still consumes its assistant
// but is not inserted again, and existing reasoning stays where it is.
func InterleaveReasoning(history, reasoning []model.Message) []model.Message {
	if len(reasoning) == 0 {
		return history
	}

	existing := make(map[string]bool)
	for _, m := range history {
		if m.Role == model.RoleReasoning {
			existing[m.ID] = true
		}
	}

	out := make([]model.Message, 0, len(history)+len(reasoning))
	next := 0
	for _, m := range history {
		if m.Role == model.RoleAssistant && next < len(reasoning) {
			if r := reasoning[next]; !existing[r.ID] {
				out = append(out, r)
				existing[r.ID] = true
			}
			next++
		}
		out = append(out, m)
	}
	return out
}
