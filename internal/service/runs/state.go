package runs

import (
	"context"
	"fmt"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/interrupt"
	"github.com/ashita-ai/tsumugi/internal/messages"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// ThreadState returns the API view of a thread: its values, converted
// messages, next nodes and pending interrupts with resolved reasons.
// Concurrent reads of the same thread share one GetState call.
func (s *Service) ThreadState(ctx context.Context, agent, threadID string) (model.ThreadState, error) {
	eng, ok := s.agents[agent]
	if !ok {
		return model.ThreadState{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	v, err, _ := s.reads.Do(agent+"\x00"+threadID, func() (any, error) {
		st, err := eng.GetState(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("runs: get state: %w", err)
		}
		return threadView(threadID, st)
	})
	if err != nil {
		return model.ThreadState{}, err
	}
	return v.(model.ThreadState), nil
}

func threadView(threadID string, st engine.State) (model.ThreadState, error) {
	msgs, err := messages.FromEngine(st.Messages)
	if err != nil {
		return model.ThreadState{}, fmt.Errorf("runs: convert messages: %w", err)
	}
	view := model.ThreadState{
		ThreadID:   threadID,
		Values:     snapshotValues(st.Values),
		Messages:   msgs,
		Next:       st.Next,
		Interrupts: PendingInterrupts(st),
	}
	if view.Messages == nil {
		view.Messages = []model.Message{}
	}
	if view.Next == nil {
		view.Next = []string{}
	}
	return view, nil
}

// PendingInterrupts lists the interrupts waiting on st in task order.
func PendingInterrupts(st engine.State) []model.PendingInterrupt {
	out := []model.PendingInterrupt{}
	for _, p := range interrupt.Collect(st) {
		reason, _ := interrupt.ResolveReason([]engine.Interrupt{p.Interrupt})
		out = append(out, model.PendingInterrupt{
			ID:     p.Interrupt.ID,
			Node:   p.Task.Name,
			Reason: reason,
			Value:  p.Interrupt.Value,
		})
	}
	return out
}
