package model

import "time"

// EventType is the discriminant of a protocol event.
type EventType string

const (
	// Run lifecycle.
	EventRunStarted  EventType = "RUN_STARTED"
	EventRunFinished EventType = "RUN_FINISHED"
	EventRunError    EventType = "RUN_ERROR"
	EventStepStarted EventType = "STEP_STARTED"
	EventStepEnded   EventType = "STEP_FINISHED"

	// Text blocks.
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"

	// Reasoning blocks. REASONING_START/END bracket a whole block; the
	// REASONING_MESSAGE_* events carry the block's text.
	EventReasoningStart          EventType = "REASONING_START"
	EventReasoningEnd            EventType = "REASONING_END"
	EventReasoningMessageStart   EventType = "REASONING_MESSAGE_START"
	EventReasoningMessageContent EventType = "REASONING_MESSAGE_CONTENT"
	EventReasoningMessageEnd     EventType = "REASONING_MESSAGE_END"

	// Tool-call argument streaming.
	EventToolCallStart EventType = "TOOL_CALL_START"
	EventToolCallArgs  EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd   EventType = "TOOL_CALL_END"

	// Snapshots and extensions.
	EventMessagesSnapshot EventType = "MESSAGES_SNAPSHOT"
	EventStateSnapshot    EventType = "STATE_SNAPSHOT"
	EventCustom           EventType = "CUSTOM"
)

// Run outcomes carried by RUN_FINISHED.
const (
	OutcomeSuccess   = "success"
	OutcomeInterrupt = "interrupt"
)

// CustomOnInterrupt is the name of the CUSTOM event emitted next to an
// interrupted RUN_FINISHED for clients that predate the outcome field.
const CustomOnInterrupt = "on_interrupt"

// RoleReasoning is the role of a finalized reasoning message.
const RoleReasoning = "reasoning"

// Event is a single protocol event. Only the fields relevant to Type are set;
// everything else is omitted on the wire. JSON names are camelCase.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"` // unix millis

	ThreadID string `json:"threadId,omitempty"`
	RunID    string `json:"runId,omitempty"`
	StepName string `json:"stepName,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`

	ToolCallID      string `json:"toolCallId,omitempty"`
	ToolCallName    string `json:"toolCallName,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`

	Outcome   string         `json:"outcome,omitempty"`
	Interrupt *InterruptInfo `json:"interrupt,omitempty"`
	Result    any            `json:"result,omitempty"`

	Message string `json:"message,omitempty"` // RUN_ERROR
	Code    string `json:"code,omitempty"`    // RUN_ERROR

	Name  string `json:"name,omitempty"`  // CUSTOM
	Value any    `json:"value,omitempty"` // CUSTOM

	Messages []Message `json:"messages,omitempty"`
	Snapshot any       `json:"snapshot,omitempty"`
}

// InterruptInfo describes the pause point of an interrupted run.
type InterruptInfo struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Payload any    `json:"payload,omitempty"`
}

// Stamp sets the event timestamp if it is unset and returns the event.
func (e Event) Stamp(now time.Time) Event {
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	return e
}

func RunStarted(threadID, runID string) Event {
	return Event{Type: EventRunStarted, ThreadID: threadID, RunID: runID}
}

// RunFinishedSuccess reports a run that completed without pausing.
func RunFinishedSuccess(threadID, runID string, result any) Event {
	return Event{Type: EventRunFinished, ThreadID: threadID, RunID: runID, Outcome: OutcomeSuccess, Result: result}
}

// RunFinishedInterrupt reports a run that is paused on an interrupt.
func RunFinishedInterrupt(threadID, runID string, info InterruptInfo) Event {
	return Event{Type: EventRunFinished, ThreadID: threadID, RunID: runID, Outcome: OutcomeInterrupt, Interrupt: &info}
}

func RunError(message, code string) Event {
	return Event{Type: EventRunError, Message: message, Code: code}
}

func StepStarted(name string) Event  { return Event{Type: EventStepStarted, StepName: name} }
func StepFinished(name string) Event { return Event{Type: EventStepEnded, StepName: name} }

func TextMessageStart(messageID string) Event {
	return Event{Type: EventTextMessageStart, MessageID: messageID, Role: RoleAssistant}
}

func TextMessageContent(messageID, delta string) Event {
	return Event{Type: EventTextMessageContent, MessageID: messageID, Delta: delta}
}

func TextMessageEnd(messageID string) Event {
	return Event{Type: EventTextMessageEnd, MessageID: messageID}
}

func ReasoningStart(messageID string) Event {
	return Event{Type: EventReasoningStart, MessageID: messageID}
}

func ReasoningEnd(messageID string) Event {
	return Event{Type: EventReasoningEnd, MessageID: messageID}
}

func ReasoningMessageStart(messageID string) Event {
	return Event{Type: EventReasoningMessageStart, MessageID: messageID, Role: RoleReasoning}
}

func ReasoningMessageContent(messageID, delta string) Event {
	return Event{Type: EventReasoningMessageContent, MessageID: messageID, Delta: delta}
}

func ReasoningMessageEnd(messageID string) Event {
	return Event{Type: EventReasoningMessageEnd, MessageID: messageID}
}

func ToolCallStart(toolCallID, toolCallName, parentMessageID string) Event {
	return Event{Type: EventToolCallStart, ToolCallID: toolCallID, ToolCallName: toolCallName, ParentMessageID: parentMessageID}
}

func ToolCallArgs(toolCallID, delta string) Event {
	return Event{Type: EventToolCallArgs, ToolCallID: toolCallID, Delta: delta}
}

func ToolCallEnd(toolCallID string) Event {
	return Event{Type: EventToolCallEnd, ToolCallID: toolCallID}
}

func MessagesSnapshot(messages []Message) Event {
	return Event{Type: EventMessagesSnapshot, Messages: messages}
}

func StateSnapshot(snapshot any) Event {
	return Event{Type: EventStateSnapshot, Snapshot: snapshot}
}

func Custom(name string, value any) Event {
	return Event{Type: EventCustom, Name: name, Value: value}
}
