// Package scripted is an engine.Engine that replays YAML agent scripts.
//
// It keeps real checkpoints (step cursor, pending interrupts, messages and
// values) in a checkpoint.Store, so interrupts raised by a script survive
// across requests and resume exactly where they paused. It does not plan or
// call models; every chunk it streams is spelled out in the script.
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/checkpoint"
)

// ResumesKey is the state key resume values are recorded under, keyed by
// interrupt id.
const ResumesKey = "resumes"

// ToolResultsKey is where resumed tool results are read from.
const ToolResultsKey = "tool_results"

var (
	// ErrInterrupted is returned when fresh input is sent to a thread that
	// is waiting on an interrupt.
	ErrInterrupted = errors.New("scripted: thread is interrupted")
	// ErrNoPendingInterrupt is returned when a resume command reaches a
	// thread with nothing to resume.
	ErrNoPendingInterrupt = errors.New("scripted: no pending interrupt")
)

// Engine replays one Script.
type Engine struct {
	script *Script
	store  checkpoint.Store
}

var (
	_ engine.Engine      = (*Engine)(nil)
	_ engine.InputSchema = (*Engine)(nil)
)

// New returns an engine that runs s and checkpoints into store.
func New(s *Script, store checkpoint.Store) *Engine {
	return &Engine{script: s, store: store}
}

// Name is the agent name declared by the script.
func (e *Engine) Name() string { return e.script.Name }

// InputKeys returns the state keys the script accepts as input.
func (e *Engine) InputKeys() []string { return e.script.InputKeys }

func (e *Engine) GetState(ctx context.Context, threadID string) (engine.State, error) {
	cp, err := e.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return engine.State{}, nil
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("scripted: get state: %w", err)
	}
	return cp.State(), nil
}

func (e *Engine) UpdateState(ctx context.Context, threadID string, update engine.Update, asNode string) error {
	if err := checkpoint.Update(ctx, e.store, threadID, update, asNode); err != nil {
		return fmt.Errorf("scripted: update state: %w", err)
	}
	return nil
}

// Stream continues the thread from its cursor. Fresh input starts a new turn
// once the previous one ran to completion; a Command clears the interrupts it
// answers, records their resume values and continues after the interrupt step.
func (e *Engine) Stream(ctx context.Context, cfg engine.RunConfig, in engine.Input) (engine.Stream, error) {
	cp, err := e.store.Load(ctx, cfg.ThreadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		cp = checkpoint.Checkpoint{ThreadID: cfg.ThreadID, Agent: e.script.Name}
	} else if err != nil {
		return nil, fmt.Errorf("scripted: load checkpoint: %w", err)
	}

	if in.Command != nil {
		if err := resume(&cp, in.Command); err != nil {
			return nil, fmt.Errorf("%w (thread %s)", err, cfg.ThreadID)
		}
	} else {
		if len(cp.Tasks) > 0 {
			return nil, fmt.Errorf("%w (thread %s)", ErrInterrupted, cfg.ThreadID)
		}
		if cp.Cursor >= len(e.script.Steps) {
			cp.Cursor = 0
		}
		cp.Apply(engine.Update{Values: in.Values, Messages: in.Messages})
	}
	if cp.Cursor < len(e.script.Steps) {
		cp.Next = []string{e.script.Steps[cp.Cursor].Node}
	}

	if err := e.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("scripted: save checkpoint: %w", err)
	}
	return &run{ctx: ctx, e: e, cfg: cfg, cp: cp}, nil
}

// resume records the values cmd gives for pending interrupts. Interrupts the
// command does not answer stay pending on their tasks.
func resume(cp *checkpoint.Checkpoint, cmd *engine.Command) error {
	if len(cp.Tasks) == 0 {
		return ErrNoPendingInterrupt
	}
	resumes := make(map[string]any)
	var pending []engine.Task
	for _, task := range cp.Tasks {
		var left []engine.Interrupt
		for _, in := range task.Interrupts {
			if v, ok := cmd.Resume[in.ID]; ok {
				resumes[in.ID] = v
				continue
			}
			left = append(left, in)
		}
		if len(left) > 0 {
			task.Interrupts = left
			pending = append(pending, task)
		}
	}
	if len(resumes) == 0 {
		return fmt.Errorf("%w matching the resume command", ErrNoPendingInterrupt)
	}
	cp.Tasks = pending
	cp.Apply(engine.Update{Values: map[string]any{ResumesKey: resumes}})
	return nil
}

// run is the Stream of one execution. It advances the script lazily from
// Recv and checkpoints after every step.
type run struct {
	ctx context.Context
	e   *Engine
	cfg engine.RunConfig
	cp  checkpoint.Checkpoint

	queue  []engine.Chunk
	step   *Step
	draft  *draft
	closed bool
}

func (r *run) Recv() (engine.Chunk, error) {
	for {
		if r.closed {
			return engine.Chunk{}, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			return engine.Chunk{}, err
		}

		if len(r.queue) > 0 {
			if err := r.wait(); err != nil {
				return engine.Chunk{}, err
			}
			c := r.queue[0]
			r.queue = r.queue[1:]
			r.draft.add(c)
			return c, nil
		}

		if r.step != nil {
			r.cp.Messages = append(r.cp.Messages, r.draft.messages()...)
			r.step, r.draft = nil, nil
			if err := r.advance(); err != nil {
				return engine.Chunk{}, err
			}
			continue
		}

		steps := r.e.script.Steps
		if r.cp.Cursor >= len(steps) {
			r.cp.Next = nil
			r.closed = true
			if err := r.save(); err != nil {
				return engine.Chunk{}, err
			}
			return engine.Chunk{}, io.EOF
		}

		st := steps[r.cp.Cursor]
		switch {
		case st.Interrupt != nil:
			r.cp.Tasks = append(r.cp.Tasks, engine.Task{
				ID:         uuid.NewString(),
				Name:       st.Node,
				Interrupts: []engine.Interrupt{{ID: uuid.NewString(), Value: copyValue(st.Interrupt)}},
			})
			r.cp.Cursor++
			r.cp.Next = []string{st.Node}
			r.closed = true
			if err := r.save(); err != nil {
				return engine.Chunk{}, err
			}
			return engine.Chunk{}, io.EOF

		case st.ToolMessage != nil:
			r.cp.Messages = append(r.cp.Messages, r.toolMessage(st.ToolMessage))
			if err := r.advance(); err != nil {
				return engine.Chunk{}, err
			}

		default:
			r.step = &st
			r.draft = &draft{}
			r.queue = r.chunks(st)
		}
	}
}

func (r *run) Close() error {
	r.closed = true
	return nil
}

func (r *run) wait() error {
	if r.step == nil || r.step.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(r.step.Delay)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *run) advance() error {
	r.cp.Cursor++
	if r.cp.Cursor < len(r.e.script.Steps) {
		r.cp.Next = []string{r.e.script.Steps[r.cp.Cursor].Node}
	}
	return r.save()
}

func (r *run) save() error {
	// Checkpoint even when the consumer went away mid-step.
	ctx := context.WithoutCancel(r.ctx)
	if err := r.e.store.Save(ctx, r.cp); err != nil {
		return fmt.Errorf("scripted: save checkpoint: %w", err)
	}
	return nil
}

func (r *run) chunks(st Step) []engine.Chunk {
	defaultID := fmt.Sprintf("msg-%s-%d", r.cfg.RunID, r.cp.Cursor)
	out := make([]engine.Chunk, 0, len(st.Chunks))
	for _, spec := range st.Chunks {
		c := engine.Chunk{MessageID: spec.MessageID, Node: st.Node, Content: spec.Content}
		if c.MessageID == "" {
			c.MessageID = defaultID
		}
		switch {
		case spec.Thinking != "":
			c.Content = []any{map[string]any{"type": "thinking", "thinking": spec.Thinking, "index": spec.Index}}
		case spec.ReasoningSummary != "":
			c.AdditionalKwargs = map[string]any{"reasoning": map[string]any{
				"summary": []any{map[string]any{"text": spec.ReasoningSummary, "index": spec.Index}},
			}}
		}
		for _, tc := range spec.ToolCalls {
			c.ToolCallChunks = append(c.ToolCallChunks, engine.ToolCallChunk{
				ID: tc.ID, Name: tc.Name, Args: tc.Args, Index: tc.Index,
			})
		}
		out = append(out, c)
	}
	return out
}

func (r *run) toolMessage(tm *ToolMessage) engine.Message {
	msg := engine.Message{
		ID:         "tool-" + tm.ToolCallID,
		Role:       engine.RoleTool,
		Name:       tm.Name,
		ToolCallID: tm.ToolCallID,
		Content:    "",
	}
	results, _ := r.cp.Values[ToolResultsKey].(map[string]any)
	record, ok := results[tm.ToolCallID].(map[string]any)
	if !ok {
		return msg
	}
	switch data := record["data"].(type) {
	case string:
		msg.Content = data
	case nil:
	default:
		if b, err := json.Marshal(data); err == nil {
			msg.Content = string(b)
		}
	}
	return msg
}

// draft accumulates the assistant messages a step streams.
type draft struct {
	order []string
	text  map[string]*strings.Builder
	calls map[string][]*engine.ToolCallChunk
}

func (d *draft) add(c engine.Chunk) {
	if d.text == nil {
		d.text = make(map[string]*strings.Builder)
		d.calls = make(map[string][]*engine.ToolCallChunk)
	}
	if _, seen := d.text[c.MessageID]; !seen {
		d.order = append(d.order, c.MessageID)
		d.text[c.MessageID] = &strings.Builder{}
	}
	if s, ok := c.Content.(string); ok {
		d.text[c.MessageID].WriteString(s)
	}
	for _, tc := range c.ToolCallChunks {
		d.addCall(c.MessageID, tc)
	}
}

func (d *draft) addCall(messageID string, tc engine.ToolCallChunk) {
	calls := d.calls[messageID]
	for _, existing := range calls {
		if (tc.ID != "" && existing.ID == tc.ID) || (tc.ID == "" && existing.Index == tc.Index) {
			existing.Args += tc.Args
			if existing.Name == "" {
				existing.Name = tc.Name
			}
			return
		}
	}
	if tc.ID == "" {
		return
	}
	d.calls[messageID] = append(calls, &tc)
}

func (d *draft) messages() []engine.Message {
	var out []engine.Message
	for _, id := range d.order {
		msg := engine.Message{ID: id, Role: engine.RoleAssistant, Content: d.text[id].String()}
		for _, tc := range d.calls[id] {
			args := map[string]any{}
			if tc.Args != "" {
				_ = json.Unmarshal([]byte(tc.Args), &args)
			}
			msg.ToolCalls = append(msg.ToolCalls, engine.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
		}
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func copyValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
