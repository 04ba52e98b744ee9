package model

// Message roles on the protocol side.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is a protocol message as sent in MESSAGES_SNAPSHOT and accepted in
// RunInput.Messages.
//
// Content depends on Role: a string for assistant, system and tool messages;
// a string or []InputContent for user messages; []string of raw fragments for
// reasoning messages. Decoded request bodies leave list content as []any.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is an assistant tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Input content kinds for multimodal user messages.
const (
	InputContentText   = "text"
	InputContentBinary = "binary"
)

// InputContent is one part of a multimodal user message. Binary parts carry
// exactly one of URL, Data (base64) or ID.
type InputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ReasoningMessage builds a finalized reasoning message. Fragments are kept
// unjoined; rendering decides how to concatenate them.
func ReasoningMessage(id string, fragments []string) Message {
	content := make([]string, len(fragments))
	copy(content, fragments)
	return Message{ID: id, Role: RoleReasoning, Content: content}
}
