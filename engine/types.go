package engine

import "io"

// Message roles used by engine messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// State is a snapshot of one thread's checkpoint.
type State struct {
	Values   map[string]any `json:"values"`
	Messages []Message      `json:"messages"`
	Tasks    []Task         `json:"tasks"`
	// Next lists the nodes scheduled to run when the thread continues.
	Next []string `json:"next"`
}

// Task is a unit of pending work. A task that paused execution carries one or
// more interrupts.
type Task struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"` // node name
	Interrupts []Interrupt `json:"interrupts"`
}

// Interrupt is a pause point raised by a node. Value is opaque; by
// convention an object value may carry "reason", "tool" and "tool_call_id".
type Interrupt struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// Update is a partial state write.
type Update struct {
	Messages []Message     `json:"messages,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
}

// Message is an engine-side chat message. Content is either a string or a
// list of content blocks (map[string]any with a "type" key).
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a completed tool invocation requested by an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// RunConfig identifies the thread and run a stream belongs to.
type RunConfig struct {
	ThreadID string
	RunID    string
}

// Input is what a stream starts from: fresh values and messages, or a Command.
type Input struct {
	Values   map[string]any
	Messages []Message
	Command  *Command
}

// Command continues a paused thread. Resume maps interrupt ids to the value
// each interrupt() call should return.
type Command struct {
	Resume map[string]any `json:"resume"`
}

// Chunk is one incremental unit of engine output.
//
// Content is a string, a list of content blocks, or nil. Reasoning-capable
// providers put "thinking" blocks in Content (Anthropic) or a reasoning
// summary under AdditionalKwargs["reasoning"] (OpenAI).
type Chunk struct {
	MessageID        string          `json:"id"`
	Node             string          `json:"node,omitempty"`
	Content          any             `json:"content,omitempty"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs,omitempty"`
	ToolCallChunks   []ToolCallChunk `json:"tool_call_chunks,omitempty"`
}

// ToolCallChunk is a fragment of a streaming tool call. Providers send the id
// and name on the first fragment only; later fragments may carry just the
// index and an args delta.
type ToolCallChunk struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
	Index int    `json:"index"`
}

// SliceStream is a Stream over a fixed list of chunks.
type SliceStream struct {
	chunks []Chunk
	pos    int
}

// NewSliceStream returns a stream that yields chunks in order and then io.EOF.
func NewSliceStream(chunks []Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *SliceStream) Close() error { return nil }
