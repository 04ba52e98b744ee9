package model

import (
	"errors"
	"fmt"
)

// RunInput is the request body of POST /v1/agents/{agent}/runs.
type RunInput struct {
	ThreadID       string         `json:"threadId"`
	RunID          string         `json:"runId"`
	ParentRunID    string         `json:"parentRunId,omitempty"`
	State          map[string]any `json:"state,omitempty"`
	Messages       []Message      `json:"messages"`
	Tools          []Tool         `json:"tools,omitempty"`
	Context        []ContextItem  `json:"context,omitempty"`
	ForwardedProps map[string]any `json:"forwardedProps,omitempty"`
	Resume         *Resume        `json:"resume,omitempty"`
}

// Resume is a client continuation of a paused run. InterruptID may be empty
// when exactly one interrupt is pending.
type Resume struct {
	InterruptID string `json:"interruptId,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// Tool is a client-side tool the agent may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ContextItem is a piece of client-supplied context.
type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// Validate checks the fields required to start or continue a run.
func (in RunInput) Validate() error {
	if in.ThreadID == "" {
		return errors.New("threadId is required")
	}
	if in.RunID == "" {
		return errors.New("runId is required")
	}
	for i, m := range in.Messages {
		if m.ID == "" {
			return fmt.Errorf("messages[%d].id is required", i)
		}
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	for i, t := range in.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
	}
	return nil
}

// ResumePayload resolves the continuation payload of a request. A non-null
// resume.payload wins; forwardedProps.command.resume is only consulted when it
// is absent. The bool reports whether any payload was found.
func (in RunInput) ResumePayload() (any, bool) {
	if in.Resume != nil && in.Resume.Payload != nil {
		return in.Resume.Payload, true
	}
	if in.ForwardedProps == nil {
		return nil, false
	}
	cmd, ok := in.ForwardedProps["command"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := cmd["resume"]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ResumeTarget returns the interrupt id the client asked to resume, if any.
func (in RunInput) ResumeTarget() string {
	if in.Resume == nil {
		return ""
	}
	return in.Resume.InterruptID
}
