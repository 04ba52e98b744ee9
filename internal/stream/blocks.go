package stream

// BlockKind distinguishes the content blocks tracked by an Accumulator.
type BlockKind int

const (
	BlockText BlockKind = iota + 1
	BlockToolCall
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// Block is one open content block (a MessageInProgress).
type Block struct {
	MessageID  string
	Kind       BlockKind
	ToolCallID string
	ToolName   string
	Index      int // tool-call chunk index within the parent message
	Content    string
}

// Fields are merged into a block by OpenOrUpdate. Identity fields only take
// effect when the block is created; ToolName is set once; Delta is appended.
type Fields struct {
	MessageID  string
	Kind       BlockKind
	ToolCallID string
	ToolName   string
	Index      int
	Delta      string
}

// Accumulator tracks the open blocks of one run, keyed by block key.
//
// The zero value is ready to use, and Reset leaves it in the same state: a
// nil map means no block is open and is initialised on the next write.
type Accumulator struct {
	blocks map[string]*Block
	order  []string
}

// TextKey is the accumulator key of the text block of a message.
func TextKey(messageID string) string { return "text:" + messageID }

// ToolKey is the accumulator key of a tool-call block.
func ToolKey(toolCallID string) string { return "tool:" + toolCallID }

// OpenOrUpdate creates the block under key if absent, or merges f into the
// existing one. It reports whether the block was newly opened.
func (a *Accumulator) OpenOrUpdate(key string, f Fields) (*Block, bool) {
	if a.blocks == nil {
		a.blocks = make(map[string]*Block)
		a.order = a.order[:0]
	}
	if b, ok := a.blocks[key]; ok {
		if b.ToolName == "" {
			b.ToolName = f.ToolName
		}
		b.Content += f.Delta
		return b, false
	}
	b := &Block{
		MessageID:  f.MessageID,
		Kind:       f.Kind,
		ToolCallID: f.ToolCallID,
		ToolName:   f.ToolName,
		Index:      f.Index,
		Content:    f.Delta,
	}
	a.blocks[key] = b
	a.order = append(a.order, key)
	return b, true
}

// Get returns the open block under key.
func (a *Accumulator) Get(key string) (*Block, bool) {
	b, ok := a.blocks[key]
	return b, ok
}

// Close removes the block under key and returns its final state.
func (a *Accumulator) Close(key string) (Block, bool) {
	b, ok := a.blocks[key]
	if !ok {
		return Block{}, false
	}
	delete(a.blocks, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return *b, true
}

// ToolCalls returns the open tool-call blocks of a message in the order they
// were opened.
func (a *Accumulator) ToolCalls(messageID string) []*Block {
	var out []*Block
	for _, k := range a.order {
		b := a.blocks[k]
		if b != nil && b.Kind == BlockToolCall && b.MessageID == messageID {
			out = append(out, b)
		}
	}
	return out
}

// ToolCallAt finds the open tool-call block of a message by chunk index.
func (a *Accumulator) ToolCallAt(messageID string, index int) (*Block, bool) {
	for _, b := range a.ToolCalls(messageID) {
		if b.Index == index {
			return b, true
		}
	}
	return nil, false
}

// Open returns every open block in the order they were opened.
func (a *Accumulator) Open() []*Block {
	out := make([]*Block, 0, len(a.order))
	for _, k := range a.order {
		if b := a.blocks[k]; b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the number of open blocks.
func (a *Accumulator) Len() int { return len(a.blocks) }

// Reset drops every open block.
func (a *Accumulator) Reset() {
	a.blocks = nil
	a.order = nil
}
