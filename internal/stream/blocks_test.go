package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_ZeroValueIsUsable(t *testing.T) {
	var a Accumulator
	b, opened := a.OpenOrUpdate(ToolKey("tool-1"), Fields{
		MessageID:  "msg-1",
		Kind:       BlockToolCall,
		ToolCallID: "tool-1",
		ToolName:   "get_section_content",
	})
	require.True(t, opened)
	assert.Equal(t, "msg-1", b.MessageID)
	assert.Equal(t, 1, a.Len())
}

func TestAccumulator_ToleratesResetContainer(t *testing.T) {
	var a Accumulator
	a.OpenOrUpdate(TextKey("msg-0"), Fields{MessageID: "msg-0", Kind: BlockText, Delta: "x"})
	a.Reset()

	// Reads on a reset container see no open blocks.
	_, ok := a.Get(TextKey("msg-0"))
	assert.False(t, ok)
	_, ok = a.Close(TextKey("msg-0"))
	assert.False(t, ok)
	assert.Empty(t, a.ToolCalls("msg-0"))
	assert.Empty(t, a.Open())

	b, opened := a.OpenOrUpdate(ToolKey("tool-1"), Fields{
		MessageID:  "msg-1",
		Kind:       BlockToolCall,
		ToolCallID: "tool-1",
		ToolName:   "get_section_content",
	})
	require.True(t, opened)
	assert.Equal(t, "tool-1", b.ToolCallID)
	assert.Equal(t, 1, a.Len())
}

func TestAccumulator_MergeSemantics(t *testing.T) {
	var a Accumulator
	key := ToolKey("c1")
	a.OpenOrUpdate(key, Fields{MessageID: "m", Kind: BlockToolCall, ToolCallID: "c1", Delta: `{"a"`})
	b, opened := a.OpenOrUpdate(key, Fields{ToolName: "search", Delta: `:1}`})
	assert.False(t, opened)
	assert.Equal(t, "search", b.ToolName, "name is set when first provided")

	b, _ = a.OpenOrUpdate(key, Fields{ToolName: "other"})
	assert.Equal(t, "search", b.ToolName, "name is set only once")

	closed, ok := a.Close(key)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, closed.Content)
	assert.Equal(t, "m", closed.MessageID)
	assert.Zero(t, a.Len())
}

func TestAccumulator_OrderAndLookup(t *testing.T) {
	var a Accumulator
	a.OpenOrUpdate(ToolKey("b"), Fields{MessageID: "m", Kind: BlockToolCall, ToolCallID: "b", Index: 1})
	a.OpenOrUpdate(TextKey("m"), Fields{MessageID: "m", Kind: BlockText})
	a.OpenOrUpdate(ToolKey("a"), Fields{MessageID: "m", Kind: BlockToolCall, ToolCallID: "a", Index: 0})
	a.OpenOrUpdate(ToolKey("z"), Fields{MessageID: "other", Kind: BlockToolCall, ToolCallID: "z"})

	calls := a.ToolCalls("m")
	require.Len(t, calls, 2)
	assert.Equal(t, "b", calls[0].ToolCallID)
	assert.Equal(t, "a", calls[1].ToolCallID)

	at, ok := a.ToolCallAt("m", 0)
	require.True(t, ok)
	assert.Equal(t, "a", at.ToolCallID)
	_, ok = a.ToolCallAt("m", 7)
	assert.False(t, ok)

	a.Close(ToolKey("b"))
	open := a.Open()
	require.Len(t, open, 3)
	assert.Equal(t, BlockText, open[0].Kind)
}

func TestBlockKindString(t *testing.T) {
	assert.Equal(t, "text", BlockText.String())
	assert.Equal(t, "tool_call", BlockToolCall.String())
	assert.Equal(t, "unknown", BlockKind(0).String())
}
