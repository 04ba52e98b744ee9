// Package checkpoint persists thread state for engines that keep their own
// checkpoints, such as the scripted engine.
//
// Checkpoints are stored as JSON in every backend so values read back have
// the same shape regardless of where they were kept: objects decode to
// map[string]any and numbers to float64.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/tsumugi/engine"
)

// ErrNotFound is returned when a thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is the saved state of one thread.
type Checkpoint struct {
	ThreadID string           `json:"thread_id"`
	Agent    string           `json:"agent,omitempty"`
	Cursor   int              `json:"cursor"` // next script step to run
	Values   map[string]any   `json:"values,omitempty"`
	Messages []engine.Message `json:"messages,omitempty"`
	Tasks    []engine.Task    `json:"tasks,omitempty"`
	Next     []string         `json:"next,omitempty"`
	// Version increases by one on every Save.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Write is one attributed entry of a thread's write journal.
type Write struct {
	ThreadID  string        `json:"thread_id"`
	AsNode    string        `json:"as_node"`
	Update    engine.Update `json:"update"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store loads and saves checkpoints.
type Store interface {
	// Load returns ErrNotFound when the thread was never saved.
	Load(ctx context.Context, threadID string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	AppendWrite(ctx context.Context, w Write) error
}

// State exposes the checkpoint as engine state.
func (cp Checkpoint) State() engine.State {
	return engine.State{
		Values:   cp.Values,
		Messages: cp.Messages,
		Tasks:    cp.Tasks,
		Next:     cp.Next,
	}
}

// Apply merges an update into the checkpoint.
//
// Values are merged key by key. When both the existing and the new value of
// a key are objects they are merged one level deep, so successive writes to
// a keyed record such as "tool_results" accumulate. Messages replace an
// existing message with the same id and are appended otherwise.
func (cp *Checkpoint) Apply(u engine.Update) {
	if len(u.Values) > 0 && cp.Values == nil {
		cp.Values = make(map[string]any, len(u.Values))
	}
	for k, v := range u.Values {
		existing, okOld := cp.Values[k].(map[string]any)
		incoming, okNew := v.(map[string]any)
		if okOld && okNew {
			merged := make(map[string]any, len(existing)+len(incoming))
			for ik, iv := range existing {
				merged[ik] = iv
			}
			for ik, iv := range incoming {
				merged[ik] = iv
			}
			cp.Values[k] = merged
			continue
		}
		cp.Values[k] = v
	}

	for _, m := range u.Messages {
		replaced := false
		for i := range cp.Messages {
			if m.ID != "" && cp.Messages[i].ID == m.ID {
				cp.Messages[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			cp.Messages = append(cp.Messages, m)
		}
	}
}

// Update loads the thread's checkpoint (or starts an empty one), applies u,
// saves it and records the write in the journal.
func Update(ctx context.Context, s Store, threadID string, u engine.Update, asNode string) error {
	cp, err := s.Load(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		cp = Checkpoint{ThreadID: threadID}
	} else if err != nil {
		return err
	}
	cp.Apply(u)
	if err := s.Save(ctx, cp); err != nil {
		return err
	}
	return s.AppendWrite(ctx, Write{ThreadID: threadID, AsNode: asNode, Update: u})
}

func encode(cp Checkpoint) ([]byte, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode %s: %w", cp.ThreadID, err)
	}
	return b, nil
}

func decode(b []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return cp, nil
}
