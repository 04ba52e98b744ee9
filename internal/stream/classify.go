package stream

import "github.com/ashita-ai/tsumugi/engine"

// Kind is the variant an engine chunk is normalised into.
type Kind int

const (
	// KindEmpty carries neither reasoning, tool calls nor content.
	KindEmpty Kind = iota
	KindReasoning
	KindToolCall
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindReasoning:
		return "reasoning"
	case KindToolCall:
		return "tool_call"
	case KindText:
		return "text"
	default:
		return "empty"
	}
}

// Fragment is a classified chunk. Exactly one of Reasoning, ToolCalls or
// Text is meaningful, selected by Kind. Text may be empty for KindText: an
// empty text fragment ends the message's open text block.
type Fragment struct {
	Kind      Kind
	MessageID string
	Node      string
	Reasoning Reasoning
	ToolCalls []engine.ToolCallChunk
	Text      string
}

// Classify normalises a chunk. Reasoning takes precedence, then tool-call
// fragments, then content. A chunk with nil content and no tool calls is
// KindEmpty.
func Classify(c engine.Chunk) Fragment {
	f := Fragment{MessageID: c.MessageID, Node: c.Node}
	if rs, ok := ExtractReasoning(c); ok {
		f.Kind = KindReasoning
		f.Reasoning = rs
		return f
	}
	if len(c.ToolCallChunks) > 0 {
		f.Kind = KindToolCall
		f.ToolCalls = c.ToolCallChunks
		return f
	}
	if text, ok := ResolveText(c.Content); ok {
		f.Kind = KindText
		f.Text = text
		return f
	}
	f.Kind = KindEmpty
	return f
}

// ResolveText returns the text carried by chunk content: the string itself,
// or the first "text" block of a list. ok is false for any other shape,
// including a list with no text block.
func ResolveText(content any) (string, bool) {
	switch v := content.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	}
	blocks, ok := asList(content)
	if !ok {
		return "", false
	}
	for _, b := range blocks {
		m, ok := b.(map[string]any)
		if !ok || m["type"] != "text" {
			continue
		}
		text, ok := m["text"].(string)
		return text, ok
	}
	return "", false
}
