package runs_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/engine/scripted"
	"github.com/ashita-ai/tsumugi/internal/checkpoint"
	"github.com/ashita-ai/tsumugi/internal/interrupt"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/stream"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

const approvalsScript = `
name: approvals
input_keys: [topic]
steps:
  - node: agent
    chunks:
      - thinking: "needs approval"
      - content: "Saving."
      - tool_calls: [{id: tc-1, name: write_file}]
      - tool_calls: [{index: 0, args: '{"path":"a.md"}'}]
      - content: ""
  - node: tools
    interrupt:
      reason: tool_approval
      tool: write_file
      tool_call_id: tc-1
  - node: tools
    tool_message: {tool_call_id: tc-1, name: write_file}
  - node: agent
    chunks:
      - content: "Saved."
`

type collector struct {
	events []model.Event
}

func (c *collector) emit(e model.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *collector) types() []model.EventType {
	out := make([]model.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *collector) last() model.Event { return c.events[len(c.events)-1] }

func (c *collector) find(t model.EventType) (model.Event, bool) {
	for _, e := range c.events {
		if e.Type == t {
			return e, true
		}
	}
	return model.Event{}, false
}

type fakeRecorder struct {
	mu          sync.Mutex
	created     []string
	completions []storage.RunCompletion
	notified    []string
}

func (r *fakeRecorder) CreateRun(_ context.Context, runID, threadID, agent, mode string) (model.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, runID+"/"+mode)
	return model.RunRecord{ID: uuid.New(), RunID: runID, ThreadID: threadID, Agent: agent, Mode: mode, Status: model.RunStatusRunning}, nil
}

func (r *fakeRecorder) CompleteRun(_ context.Context, _ uuid.UUID, c storage.RunCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
	return nil
}

func (r *fakeRecorder) Notify(_ context.Context, channel, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, payload)
	return nil
}

type fakeJournal struct {
	mu   sync.Mutex
	seqs []int64
}

func (j *fakeJournal) Record(_, _ string, seq int64, _ model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seqs = append(j.seqs, seq)
	return nil
}

// stubEngine serves a fixed state and a fixed stream.
type stubEngine struct {
	state     engine.State
	chunks    []engine.Chunk
	streamErr error
	getStates int
	updates   int
}

func (e *stubEngine) GetState(context.Context, string) (engine.State, error) {
	e.getStates++
	return e.state, nil
}

func (e *stubEngine) UpdateState(context.Context, string, engine.Update, string) error {
	e.updates++
	return nil
}

func (e *stubEngine) Stream(context.Context, engine.RunConfig, engine.Input) (engine.Stream, error) {
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	return engine.NewSliceStream(e.chunks), nil
}

func newService(t *testing.T, agents map[string]engine.Engine, recorder runs.Recorder, journal runs.Journal, max int64) *runs.Service {
	t.Helper()
	return runs.New(agents, recorder, journal, testutil.TestLogger(), runs.Config{MaxConcurrentRuns: max})
}

func approvals(t *testing.T) *scripted.Engine {
	t.Helper()
	s, err := scripted.Parse([]byte(approvalsScript))
	require.NoError(t, err)
	return scripted.New(s, checkpoint.NewMemoryStore())
}

func TestRun_InterruptThenResume(t *testing.T) {
	ctx := context.Background()
	eng := approvals(t)
	rec := &fakeRecorder{}
	jr := &fakeJournal{}
	svc := newService(t, map[string]engine.Engine{"approvals": eng}, rec, jr, 4)

	// First turn streams until the engine pauses.
	first := &collector{}
	require.NoError(t, svc.Run(ctx, "approvals", model.RunInput{
		ThreadID: "thread-1",
		RunID:    "run-1",
		State:    map[string]any{"topic": "notes", "ignored": true},
		Messages: []model.Message{{ID: "u1", Role: model.RoleUser, Content: "save my notes"}},
	}, first.emit))

	assert.Equal(t, []model.EventType{
		model.EventRunStarted,
		model.EventStepStarted,
		model.EventReasoningStart,
		model.EventReasoningMessageStart,
		model.EventReasoningMessageContent,
		model.EventReasoningMessageEnd,
		model.EventReasoningEnd,
		model.EventTextMessageStart,
		model.EventTextMessageContent,
		model.EventTextMessageEnd,
		model.EventToolCallStart,
		model.EventToolCallArgs,
		model.EventToolCallEnd,
		model.EventStepEnded,
		model.EventMessagesSnapshot,
		model.EventStateSnapshot,
		model.EventRunFinished,
		model.EventCustom,
	}, first.types())

	snapshot, ok := first.find(model.EventMessagesSnapshot)
	require.True(t, ok)
	var ids []string
	for _, m := range snapshot.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"u1", "run-1-0", "msg-run-1-0"}, ids, "reasoning sits before its assistant message")

	state, ok := first.find(model.EventStateSnapshot)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"topic": "notes"}, state.Snapshot, "keys outside the input schema are dropped")

	finished, ok := first.find(model.EventRunFinished)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeInterrupt, finished.Outcome)
	require.NotNil(t, finished.Interrupt)
	assert.Equal(t, "tool_approval", finished.Interrupt.Reason)
	assert.Equal(t, model.CustomOnInterrupt, first.last().Name)

	for i, e := range first.events {
		assert.NotZero(t, e.Timestamp, "event %d is stamped", i)
	}

	// Second turn resumes with the approval.
	second := &collector{}
	require.NoError(t, svc.Run(ctx, "approvals", model.RunInput{
		ThreadID: "thread-1",
		RunID:    "run-2",
		Resume:   &model.Resume{Payload: "approved"},
	}, second.emit))

	assert.Equal(t, []model.EventType{
		model.EventRunStarted,
		model.EventStepStarted,
		model.EventTextMessageStart,
		model.EventTextMessageContent,
		model.EventTextMessageEnd,
		model.EventStepEnded,
		model.EventMessagesSnapshot,
		model.EventStateSnapshot,
		model.EventRunFinished,
	}, second.types())
	assert.Equal(t, model.OutcomeSuccess, second.last().Outcome)

	snapshot, _ = second.find(model.EventMessagesSnapshot)
	var roles []string
	for _, m := range snapshot.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleAssistant}, roles)

	st, err := eng.GetState(ctx, "thread-1")
	require.NoError(t, err)
	results, ok := st.Values[interrupt.ToolResultsKey].(map[string]any)
	require.True(t, ok)
	record, ok := results["tc-1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approved", record["data"])
	assert.Equal(t, "write_file", record["tool"])

	// Lifecycle bookkeeping.
	assert.Equal(t, []string{"run-1/start", "run-2/continue"}, rec.created)
	require.Len(t, rec.completions, 2)
	assert.Equal(t, model.RunStatusInterrupted, rec.completions[0].Status)
	assert.NotEmpty(t, rec.completions[0].InterruptID)
	assert.Equal(t, len(first.events), rec.completions[0].EventCount)
	assert.Equal(t, model.RunStatusSucceeded, rec.completions[1].Status)
	assert.Len(t, rec.notified, 2)

	require.Len(t, jr.seqs, len(first.events)+len(second.events))
	assert.Equal(t, int64(1), jr.seqs[0])
	assert.Equal(t, int64(len(first.events)), jr.seqs[len(first.events)-1])
	assert.Equal(t, int64(1), jr.seqs[len(first.events)], "sequence numbers restart per run")

	assert.Zero(t, svc.Active())
}

func TestRun_SpanReportsToolStreaming(t *testing.T) {
	tests := []struct {
		name  string
		agent engine.Engine
		want  bool
	}{
		{name: "tool calls streamed", agent: approvals(t), want: true},
		{name: "text only", agent: &stubEngine{chunks: []engine.Chunk{{MessageID: "m1", Node: "agent", Content: "hello"}}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
			svc := runs.New(map[string]engine.Engine{"a": tt.agent}, nil, nil, testutil.TestLogger(),
				runs.Config{MaxConcurrentRuns: 1, TracerProvider: tp})

			c := &collector{}
			require.NoError(t, svc.Run(context.Background(), "a", model.RunInput{
				ThreadID: "thread-1",
				RunID:    "run-1",
				Messages: []model.Message{{ID: "u1", Role: model.RoleUser, Content: "hi"}},
			}, c.emit))

			spans := sr.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "run", spans[0].Name())
			assert.Contains(t, spans[0].Attributes(), attribute.Bool("run.tool_streaming", tt.want))
		})
	}
}

func TestRun_StatusCheckDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	eng := approvals(t)
	svc := newService(t, map[string]engine.Engine{"approvals": eng}, nil, nil, 4)

	require.NoError(t, svc.Run(ctx, "approvals", model.RunInput{ThreadID: "t", RunID: "r1"}, (&collector{}).emit))
	before, err := eng.GetState(ctx, "t")
	require.NoError(t, err)

	got := &collector{}
	require.NoError(t, svc.Run(ctx, "approvals", model.RunInput{ThreadID: "t", RunID: "r2"}, got.emit))
	assert.Equal(t, []model.EventType{model.EventRunStarted, model.EventRunFinished, model.EventCustom}, got.types())
	assert.Equal(t, model.OutcomeInterrupt, got.events[1].Outcome)
	assert.Equal(t, before.Tasks[0].Interrupts[0].ID, got.events[1].Interrupt.ID)

	after, err := eng.GetState(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, before.Tasks, after.Tasks)
	assert.Len(t, after.Messages, len(before.Messages))
}

func twoInterrupts() engine.State {
	return engine.State{Tasks: []engine.Task{
		{ID: "task-1", Name: "tools", Interrupts: []engine.Interrupt{{ID: "A", Value: map[string]any{"reason": "first"}}}},
		{ID: "task-2", Name: "review", Interrupts: []engine.Interrupt{{ID: "B", Value: "second"}}},
	}}
}

func TestPrepare_AmbiguousResume(t *testing.T) {
	eng := &stubEngine{state: twoInterrupts()}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, nil, nil, 4)

	_, err := svc.Prepare(context.Background(), "stub", model.RunInput{
		ThreadID: "t", RunID: "r", Resume: &model.Resume{Payload: "yes"},
	})
	var ambiguous *interrupt.AmbiguousResumeError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"A", "B"}, ambiguous.Pending)
	assert.Equal(t, 1, eng.getStates, "detection reads state exactly once")
	assert.Zero(t, eng.updates)
	assert.Zero(t, svc.Active())
}

func TestRun_AmbiguousResumeBecomesRunError(t *testing.T) {
	eng := &stubEngine{state: twoInterrupts()}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, nil, nil, 4)

	got := &collector{}
	err := svc.Run(context.Background(), "stub", model.RunInput{
		ThreadID: "t", RunID: "r", Resume: &model.Resume{Payload: "yes"},
	}, got.emit)
	require.Error(t, err)
	assert.Equal(t, []model.EventType{model.EventRunStarted, model.EventRunError}, got.types())
	assert.Equal(t, model.RunErrCodeInvalidResume, got.last().Code)
}

func TestRun_ResumeTargetsChosenInterrupt(t *testing.T) {
	eng := &stubEngine{state: twoInterrupts()}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, nil, nil, 4)

	p, err := svc.Prepare(context.Background(), "stub", model.RunInput{
		ThreadID: "t", RunID: "r", Resume: &model.Resume{InterruptID: "B", Payload: "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunModeContinue, p.Mode())
	p.Close()
	assert.Zero(t, svc.Active())
}

func TestRun_StreamFailureIsEngineError(t *testing.T) {
	eng := &stubEngine{streamErr: errors.New("boom")}
	rec := &fakeRecorder{}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, rec, nil, 4)

	got := &collector{}
	err := svc.Run(context.Background(), "stub", model.RunInput{ThreadID: "t", RunID: "r"}, got.emit)
	require.ErrorContains(t, err, "boom")
	assert.Equal(t, []model.EventType{model.EventRunStarted, model.EventRunError}, got.types())
	assert.Equal(t, model.RunErrCodeEngine, got.last().Code)
	assert.Contains(t, got.last().Message, "runs: stream: boom")

	require.Len(t, rec.completions, 1)
	assert.Equal(t, model.RunStatusFailed, rec.completions[0].Status)
	assert.Contains(t, rec.completions[0].Error, "boom")
}

func TestRun_DisconnectDropsOpenBlocks(t *testing.T) {
	eng := &stubEngine{chunks: []engine.Chunk{
		{MessageID: "m1", Node: "agent", Content: "partial"},
		{MessageID: "m1", Node: "agent", Content: " more"},
	}}
	rec := &fakeRecorder{}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, rec, nil, 4)

	var got []model.Event
	gone := errors.New("client gone")
	err := svc.Run(context.Background(), "stub", model.RunInput{ThreadID: "t", RunID: "r"}, func(e model.Event) error {
		got = append(got, e)
		if e.Type == model.EventTextMessageContent {
			return gone
		}
		return nil
	})
	assert.ErrorIs(t, err, gone)
	for _, e := range got {
		assert.NotEqual(t, model.EventTextMessageEnd, e.Type)
		assert.NotEqual(t, model.EventRunFinished, e.Type)
	}
	require.Len(t, rec.completions, 1)
	assert.Equal(t, model.RunStatusCancelled, rec.completions[0].Status)
	assert.Zero(t, svc.Active())
}

func TestPrepare_Admission(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, map[string]engine.Engine{"stub": &stubEngine{}}, nil, nil, 1)

	p, err := svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r1"})
	require.NoError(t, err)

	_, err = svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r2"})
	assert.ErrorIs(t, err, runs.ErrAtCapacity)

	p.Close()
	p.Close()
	p, err = svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r2"})
	require.NoError(t, err)
	p.Close()
}

func TestPrepare_DuplicateRunID(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, map[string]engine.Engine{"stub": &stubEngine{}}, nil, nil, 4)

	p, err := svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r1"})
	require.NoError(t, err)
	defer p.Close()

	_, err = svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r1"})
	assert.ErrorIs(t, err, stream.ErrRunActive)
	assert.Equal(t, 1, svc.Active())
}

func TestPrepare_RejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, map[string]engine.Engine{"stub": &stubEngine{}}, nil, nil, 4)

	_, err := svc.Prepare(ctx, "missing", model.RunInput{ThreadID: "t", RunID: "r"})
	assert.ErrorIs(t, err, runs.ErrUnknownAgent)

	_, err = svc.Prepare(ctx, "stub", model.RunInput{RunID: "r"})
	var invalid *runs.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, model.ErrCodeInvalidInput, runs.ErrorCode(err))

	_, err = svc.Prepare(ctx, "stub", model.RunInput{ThreadID: "t", RunID: "r", Messages: []model.Message{{ID: "x", Role: "robot"}}})
	assert.ErrorAs(t, err, &invalid)
	assert.Zero(t, svc.Active())
}

func TestAgents(t *testing.T) {
	svc := newService(t, map[string]engine.Engine{"b": &stubEngine{}, "a": &stubEngine{}}, nil, nil, 4)
	assert.Equal(t, []string{"a", "b"}, svc.Agents())
	_, ok := svc.Agent("a")
	assert.True(t, ok)
}

func TestThreadState(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{state: twoInterrupts()}
	eng.state.Messages = []engine.Message{{ID: "u1", Role: engine.RoleUser, Content: "hi"}}
	svc := newService(t, map[string]engine.Engine{"stub": eng}, nil, nil, 4)

	view, err := svc.ThreadState(ctx, "stub", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", view.ThreadID)
	assert.Equal(t, map[string]any{}, view.Values)
	assert.Equal(t, []string{}, view.Next)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "u1", view.Messages[0].ID)

	require.Len(t, view.Interrupts, 2)
	assert.Equal(t, model.PendingInterrupt{ID: "A", Node: "tools", Reason: "first", Value: map[string]any{"reason": "first"}}, view.Interrupts[0])
	assert.Equal(t, "review", view.Interrupts[1].Node)
	assert.Equal(t, interrupt.DefaultReason, view.Interrupts[1].Reason)
	assert.Zero(t, eng.updates)

	_, err = svc.ThreadState(ctx, "missing", "t-1")
	assert.ErrorIs(t, err, runs.ErrUnknownAgent)
}

func TestPendingInterrupts_Empty(t *testing.T) {
	got := runs.PendingInterrupts(engine.State{})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
