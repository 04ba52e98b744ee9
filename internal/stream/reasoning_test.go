package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/stream"
)

func thinking(text string, index int) engine.Chunk {
	return engine.Chunk{
		MessageID: "msg-1",
		Content:   []any{map[string]any{"thinking": text, "type": "thinking", "index": index}},
	}
}

func openAISummary(text string, index any) engine.Chunk {
	entry := map[string]any{"text": text}
	if index != nil {
		entry["index"] = index
	}
	return engine.Chunk{
		MessageID:        "msg-1",
		Content:          []any{},
		AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": []any{entry}}},
	}
}

func types(events []model.Event) []model.EventType {
	out := make([]model.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// ---- ExtractReasoning ------------------------------------------------------

func TestExtractReasoning_Anthropic(t *testing.T) {
	rs, ok := stream.ExtractReasoning(thinking("Let me analyze this step by step...", 0))
	require.True(t, ok)
	assert.Equal(t, "Let me analyze this step by step...", rs.Text)
	assert.Equal(t, 0, rs.Index)

	rs, ok = stream.ExtractReasoning(thinking("Second thought...", 1))
	require.True(t, ok)
	assert.Equal(t, 1, rs.Index)
}

func TestExtractReasoning_AnthropicGoConstructedContent(t *testing.T) {
	c := engine.Chunk{Content: []map[string]any{{"thinking": "typed", "index": 3}}}
	rs, ok := stream.ExtractReasoning(c)
	require.True(t, ok)
	assert.Equal(t, stream.Reasoning{Text: "typed", Index: 3}, rs)
}

func TestExtractReasoning_DefaultIndex(t *testing.T) {
	c := engine.Chunk{Content: []any{map[string]any{"thinking": "No index provided", "type": "thinking"}}}
	rs, ok := stream.ExtractReasoning(c)
	require.True(t, ok)
	assert.Equal(t, 0, rs.Index)

	rs, ok = stream.ExtractReasoning(openAISummary("no index", nil))
	require.True(t, ok)
	assert.Equal(t, 0, rs.Index)
}

func TestExtractReasoning_NoReasoning(t *testing.T) {
	tests := map[string]engine.Chunk{
		"nil content":           {},
		"empty list":            {Content: []any{}},
		"plain text":            {Content: "Hello world"},
		"missing thinking key":  {Content: []any{map[string]any{"type": "text", "text": "Regular content", "index": 0}}},
		"empty thinking":        {Content: []any{map[string]any{"thinking": "", "type": "thinking", "index": 0}}},
		"first block not a map": {Content: []any{"just a string"}},
		"empty summary": {
			AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": []any{}}},
		},
		"summary missing text": {
			AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": []any{map[string]any{"index": 0}}}},
		},
		"summary empty text": {
			AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": []any{map[string]any{"text": "", "index": 0}}}},
		},
		"reasoning not an object": {AdditionalKwargs: map[string]any{"reasoning": "summary"}},
	}
	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := stream.ExtractReasoning(c)
			assert.False(t, ok)
		})
	}
}

func TestExtractReasoning_OpenAI(t *testing.T) {
	rs, ok := stream.ExtractReasoning(openAISummary("Considering options...", 0))
	require.True(t, ok)
	assert.Equal(t, "Considering options...", rs.Text)

	rs, ok = stream.ExtractReasoning(openAISummary("Step 2...", float64(2)))
	require.True(t, ok)
	assert.Equal(t, 2, rs.Index)
}

func TestExtractReasoning_OpenAIReachableFromStringContent(t *testing.T) {
	c := openAISummary("from summary", 0)
	c.Content = "partial text"
	rs, ok := stream.ExtractReasoning(c)
	require.True(t, ok)
	assert.Equal(t, "from summary", rs.Text)
}

func TestExtractReasoning_AnthropicTakesPrecedence(t *testing.T) {
	c := thinking("Anthropic thinking", 0)
	c.AdditionalKwargs = map[string]any{"reasoning": map[string]any{"summary": []any{map[string]any{"text": "OpenAI reasoning", "index": 0}}}}
	rs, ok := stream.ExtractReasoning(c)
	require.True(t, ok)
	assert.Equal(t, "Anthropic thinking", rs.Text)
}

func TestExtractReasoning_NonThinkingListShortCircuits(t *testing.T) {
	// A non-empty list whose first block is not thinking never falls through
	// to the summary, even when one is present.
	c := engine.Chunk{
		Content:          []any{map[string]any{"type": "text", "text": "Regular text", "index": 0}},
		AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": []any{map[string]any{"text": "hidden", "index": 0}}}},
	}
	_, ok := stream.ExtractReasoning(c)
	assert.False(t, ok)
}

// ---- segmenter transitions -------------------------------------------------

func TestReasoning_SingleBlockEmitsStartEvents(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	events := r.Translate(thinking("Let me think...", 0))

	assert.Equal(t, []model.EventType{
		model.EventReasoningStart,
		model.EventReasoningMessageStart,
		model.EventReasoningMessageContent,
	}, types(events))
	require.NotNil(t, r.Reasoning)
	assert.Equal(t, 0, r.Reasoning.Index)
	assert.Equal(t, "Let me think...", events[2].Delta)
}

func TestReasoning_ConstantIndexStartsOnce(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	var all []model.Event
	for _, text := range []string{"First part...", "Second part...", "Third part..."} {
		all = append(all, r.Translate(thinking(text, 0))...)
	}

	counts := map[model.EventType]int{}
	for _, e := range all {
		counts[e.Type]++
	}
	assert.Equal(t, 1, counts[model.EventReasoningStart])
	assert.Equal(t, 1, counts[model.EventReasoningMessageStart])
	assert.Equal(t, 3, counts[model.EventReasoningMessageContent])
	assert.Zero(t, counts[model.EventReasoningEnd])
	assert.Equal(t, 0, r.Reasoning.Index)
}

func TestReasoning_IndexChangeClosesPreviousBlock(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	r.Translate(thinking("Part 1", 1))
	r.Translate(thinking(" Part 2", 1))

	events := r.Translate(thinking("New block", 2))
	assert.Equal(t, []model.EventType{
		model.EventReasoningMessageEnd,
		model.EventReasoningEnd,
		model.EventReasoningStart,
		model.EventReasoningMessageStart,
		model.EventReasoningMessageContent,
	}, types(events))
	assert.Equal(t, "run-123-1", events[0].MessageID)
	assert.Equal(t, "run-123-2", events[2].MessageID)

	require.Len(t, r.ReasoningMessages, 1)
	closed := r.ReasoningMessages[0]
	assert.Equal(t, "run-123-1", closed.ID)
	assert.Equal(t, model.RoleReasoning, closed.Role)
	assert.Equal(t, []string{"Part 1", " Part 2"}, closed.Content)
	assert.Equal(t, 2, r.Reasoning.Index)
}

func TestReasoning_ZeroIndexTransitions(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	r.Translate(thinking("zero", 0))
	events := r.Translate(thinking("one", 1))
	assert.Equal(t, model.EventReasoningMessageEnd, events[0].Type)
	assert.Equal(t, "run-123-0", events[0].MessageID)
	require.Len(t, r.ReasoningMessages, 1)
	assert.Equal(t, []string{"zero"}, r.ReasoningMessages[0].Content)
}

func TestReasoning_IDFormat(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	r.Translate(thinking("Test", 0))
	require.NotNil(t, r.Reasoning)
	assert.Equal(t, "run-123-0", r.Reasoning.ID)
	assert.Equal(t, r.Reasoning.ID, r.Reasoning.MessageID)
}

func TestReasoning_EndWhenSwitchingToText(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	r.Translate(thinking("Thinking...", 0))
	require.NotNil(t, r.Reasoning)

	events := r.Translate(engine.Chunk{MessageID: "msg-1", Content: "Here is the answer"})
	assert.Equal(t, []model.EventType{
		model.EventReasoningMessageEnd,
		model.EventReasoningEnd,
		model.EventTextMessageStart,
		model.EventTextMessageContent,
	}, types(events))
	assert.Nil(t, r.Reasoning)
	assert.Len(t, r.ReasoningMessages, 1)
}

func TestReasoning_MalformedIsIgnored(t *testing.T) {
	r := stream.NewRun("run-123", "thread-1", model.RunModeStart)
	events := r.Translate(engine.Chunk{
		MessageID:        "msg-1",
		AdditionalKwargs: map[string]any{"reasoning": map[string]any{"summary": "not a list"}},
	})
	assert.Empty(t, events)
	assert.Nil(t, r.Reasoning)
	assert.Empty(t, r.ReasoningMessages)
}
