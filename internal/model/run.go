// Package model defines the protocol events, messages, run records and API
// envelopes shared across tsumugi's packages.
//
// Protocol types use camelCase JSON names because they cross the AG-UI wire
// boundary. Storage and API envelope types keep snake_case, matching the
// database columns they mirror.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run modes.
const (
	RunModeStart    = "start"
	RunModeContinue = "continue"
)

// RunRecord is the persisted summary of one run.
type RunRecord struct {
	ID          uuid.UUID  `json:"id"`
	RunID       string     `json:"run_id"` // client-supplied run id
	ThreadID    string     `json:"thread_id"`
	Agent       string     `json:"agent"`
	Mode        string     `json:"mode"`
	Status      RunStatus  `json:"status"`
	InterruptID *string    `json:"interrupt_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	EventCount  int        `json:"event_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunEvent is a journaled protocol event. Append-only.
type RunEvent struct {
	ID          uuid.UUID       `json:"id"`
	RunID       string          `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	EventType   EventType       `json:"event_type"`
	SequenceNum int64           `json:"sequence_num"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// RunNotification is published on the run lifecycle channel whenever a run
// reaches a terminal status.
type RunNotification struct {
	RunID       string    `json:"run_id"`
	ThreadID    string    `json:"thread_id"`
	Agent       string    `json:"agent"`
	Status      RunStatus `json:"status"`
	InterruptID string    `json:"interrupt_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// PendingInterrupt is the API view of an interrupt waiting on a thread.
type PendingInterrupt struct {
	ID     string `json:"id"`
	Node   string `json:"node"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

// ThreadState is the response of GET /v1/threads/{thread_id}/state.
type ThreadState struct {
	ThreadID   string             `json:"thread_id"`
	Values     map[string]any     `json:"values"`
	Messages   []Message          `json:"messages"`
	Next       []string           `json:"next"`
	Interrupts []PendingInterrupt `json:"interrupts"`
}
