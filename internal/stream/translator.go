// Package stream translates engine chunk streams into bracketed protocol
// events.
//
// Engine chunks carry no block boundaries. A Run infers them from chunk
// shape: each chunk is first classified into a Fragment, then applied to the
// run's open reasoning block and its Accumulator of text and tool-call
// blocks. Every block is opened once and closed once.
//
// A Run is owned by exactly one goroutine. Runs never share state; the Arena
// hands out one Run per run id.
package stream

import (
	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// Run is the translation state of one execution attempt.
type Run struct {
	ID       string
	ThreadID string
	Mode     string

	Reasoning         *ReasoningProcess
	ReasoningMessages []model.Message
	Blocks            Accumulator

	// ToolStreaming records whether any tool-call block was streamed. It is
	// reported on the run's span and in its completion log line.
	ToolStreaming bool
	// NodeName is the engine node that produced the latest chunk.
	NodeName string

	ended map[string]bool // tool-call ids already closed
}

// NewRun returns an initialised run.
func NewRun(id, threadID, mode string) *Run {
	return &Run{
		ID:       id,
		ThreadID: threadID,
		Mode:     mode,
		ended:    make(map[string]bool),
	}
}

// Translate applies one chunk and returns the events it produces, in order.
func (r *Run) Translate(c engine.Chunk) []model.Event {
	f := Classify(c)
	events := r.step(f.Node)

	if f.Kind == KindReasoning {
		return append(events, r.reason(f.Reasoning)...)
	}
	events = append(events, r.closeReasoning()...)

	switch f.Kind {
	case KindToolCall:
		events = append(events, r.endText(f.MessageID)...)
		events = append(events, r.toolCalls(f.MessageID, f.ToolCalls)...)
	case KindText:
		events = append(events, r.endToolCalls(f.MessageID)...)
		events = append(events, r.text(f.MessageID, f.Text)...)
	case KindEmpty:
		events = append(events, r.endToolCalls(f.MessageID)...)
	}
	return events
}

// Finish closes every block still open after the engine stream ended
// normally: reasoning first, then tool calls, then text, then the current
// step. It must not be called for a cancelled run.
func (r *Run) Finish() []model.Event {
	events := r.closeReasoning()
	open := r.Blocks.Open()
	for _, b := range open {
		if b.Kind == BlockToolCall {
			r.Blocks.Close(ToolKey(b.ToolCallID))
			r.markEnded(b.ToolCallID)
			events = append(events, model.ToolCallEnd(b.ToolCallID))
		}
	}
	for _, b := range open {
		if b.Kind == BlockText {
			r.Blocks.Close(TextKey(b.MessageID))
			events = append(events, model.TextMessageEnd(b.MessageID))
		}
	}
	if r.NodeName != "" {
		events = append(events, model.StepFinished(r.NodeName))
		r.NodeName = ""
	}
	return events
}

func (r *Run) step(node string) []model.Event {
	if node == "" || node == r.NodeName {
		return nil
	}
	var events []model.Event
	if r.NodeName != "" {
		events = append(events, model.StepFinished(r.NodeName))
	}
	r.NodeName = node
	return append(events, model.StepStarted(node))
}

func (r *Run) toolCalls(messageID string, chunks []engine.ToolCallChunk) []model.Event {
	var events []model.Event
	for _, tc := range chunks {
		id := tc.ID
		if id == "" {
			b, ok := r.Blocks.ToolCallAt(messageID, tc.Index)
			if !ok {
				continue
			}
			id = b.ToolCallID
		}
		if r.ended[id] {
			continue
		}
		b, opened := r.Blocks.OpenOrUpdate(ToolKey(id), Fields{
			MessageID:  messageID,
			Kind:       BlockToolCall,
			ToolCallID: id,
			ToolName:   tc.Name,
			Index:      tc.Index,
			Delta:      tc.Args,
		})
		if opened {
			r.ToolStreaming = true
			events = append(events, model.ToolCallStart(id, b.ToolName, messageID))
		}
		if tc.Args != "" {
			events = append(events, model.ToolCallArgs(id, tc.Args))
		}
	}
	return events
}

func (r *Run) endToolCalls(messageID string) []model.Event {
	var events []model.Event
	for _, b := range r.Blocks.ToolCalls(messageID) {
		id := b.ToolCallID
		r.Blocks.Close(ToolKey(id))
		r.markEnded(id)
		events = append(events, model.ToolCallEnd(id))
	}
	return events
}

func (r *Run) text(messageID, text string) []model.Event {
	if text == "" {
		return r.endText(messageID)
	}
	var events []model.Event
	_, opened := r.Blocks.OpenOrUpdate(TextKey(messageID), Fields{
		MessageID: messageID,
		Kind:      BlockText,
		Delta:     text,
	})
	if opened {
		events = append(events, model.TextMessageStart(messageID))
	}
	return append(events, model.TextMessageContent(messageID, text))
}

func (r *Run) endText(messageID string) []model.Event {
	if _, ok := r.Blocks.Close(TextKey(messageID)); !ok {
		return nil
	}
	return []model.Event{model.TextMessageEnd(messageID)}
}

func (r *Run) markEnded(toolCallID string) {
	if r.ended == nil {
		r.ended = make(map[string]bool)
	}
	r.ended[toolCallID] = true
}
