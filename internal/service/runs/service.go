// Package runs drives agent runs: it admits a run, decides from the thread's
// state whether to stream, resume or report a pending interrupt, translates
// the engine stream into protocol events and records the run's lifecycle.
//
// Both the HTTP API and the MCP server go through this service.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/interrupt"
	"github.com/ashita-ai/tsumugi/internal/messages"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/stream"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

var (
	// ErrUnknownAgent is returned for a run against an agent that is not
	// registered.
	ErrUnknownAgent = errors.New("runs: unknown agent")
	// ErrAtCapacity is returned when the concurrent run limit is reached.
	ErrAtCapacity = errors.New("runs: too many concurrent runs")
)

// InvalidInputError wraps a request the controller refuses to run.
type InvalidInputError struct{ Err error }

func (e *InvalidInputError) Error() string { return "runs: invalid input: " + e.Err.Error() }
func (e *InvalidInputError) Unwrap() error { return e.Err }

// Emit delivers one event to the caller. A non-nil error means the consumer
// is gone and the run is treated as cancelled.
type Emit func(model.Event) error

// Recorder persists run records and publishes lifecycle notifications.
// *storage.DB implements it.
type Recorder interface {
	CreateRun(ctx context.Context, runID, threadID, agent, mode string) (model.RunRecord, error)
	CompleteRun(ctx context.Context, id uuid.UUID, c storage.RunCompletion) error
	Notify(ctx context.Context, channel, payload string) error
}

// Journal receives every emitted event with its per-run sequence number.
type Journal interface {
	Record(runID, threadID string, seq int64, e model.Event) error
}

// Config bounds the controller.
type Config struct {
	MaxConcurrentRuns int64
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Service runs agents.
type Service struct {
	agents   map[string]engine.Engine
	arena    *stream.Arena
	sem      *semaphore.Weighted
	reads    singleflight.Group
	recorder Recorder // nil without Postgres
	journal  Journal  // nil without Postgres
	logger   *slog.Logger
	now      func() time.Time

	tracer         trace.Tracer
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	runDuration    metric.Float64Histogram
	activeRunGauge metric.Int64ObservableGauge
}

// New creates a run Service. recorder and journal may be nil.
func New(agents map[string]engine.Engine, recorder Recorder, journal Journal, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 64
	}
	tracer := telemetry.Tracer(telemetry.Scope + "/runs")
	if cfg.TracerProvider != nil {
		tracer = cfg.TracerProvider.Tracer(telemetry.Scope + "/runs")
	}
	s := &Service{
		agents:   agents,
		arena:    stream.NewArena(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		recorder: recorder,
		journal:  journal,
		logger:   logger,
		now:      time.Now,
		tracer:   tracer,
	}
	s.registerMetrics()
	return s
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter(telemetry.Scope + "/runs")
	s.runsStarted, _ = meter.Int64Counter("tsumugi.runs.started",
		metric.WithDescription("Runs admitted"),
	)
	s.runsFinished, _ = meter.Int64Counter("tsumugi.runs.finished",
		metric.WithDescription("Runs finished, by outcome"),
	)
	s.eventsEmitted, _ = meter.Int64Counter("tsumugi.events.emitted",
		metric.WithDescription("Protocol events emitted, by type"),
	)
	s.runDuration, _ = meter.Float64Histogram("tsumugi.run.duration",
		metric.WithDescription("Wall time of a run (ms)"),
		metric.WithUnit("ms"),
	)
	s.activeRunGauge, _ = meter.Int64ObservableGauge("tsumugi.runs.active",
		metric.WithDescription("Runs currently streaming"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.arena.Len()))
			return nil
		}),
	)
}

// Agents returns the registered agent names, sorted.
func (s *Service) Agents() []string {
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agent returns the engine registered under name.
func (s *Service) Agent(name string) (engine.Engine, bool) {
	e, ok := s.agents[name]
	return e, ok
}

// Active returns the number of runs currently holding an arena entry.
func (s *Service) Active() int { return s.arena.Len() }

// Plan is an admitted run whose first state read has been made. Exactly one
// of Execute or Close must be called.
type Plan struct {
	s        *Service
	agent    string
	eng      engine.Engine
	in       model.RunInput
	run      *stream.Run
	decision interrupt.Decision
	input    engine.Input
	released bool
}

// Mode reports whether the plan starts fresh or continues an interrupt.
func (p *Plan) Mode() string { return p.run.Mode }

// Prepare admits a run and decides how it proceeds. Every error it returns
// happens before any event is emitted: *InvalidInputError,
// *interrupt.AmbiguousResumeError, ErrUnknownAgent, ErrAtCapacity,
// stream.ErrRunActive, or a wrapped engine error.
func (s *Service) Prepare(ctx context.Context, agent string, in model.RunInput) (*Plan, error) {
	eng, ok := s.agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	if err := in.Validate(); err != nil {
		return nil, &InvalidInputError{Err: err}
	}
	msgs, err := messages.ToEngine(in.Messages)
	if err != nil {
		return nil, &InvalidInputError{Err: err}
	}

	// 1. Admission.
	if !s.sem.TryAcquire(1) {
		return nil, ErrAtCapacity
	}

	// 2. The single state read interrupt detection is based on.
	st, err := eng.GetState(ctx, in.ThreadID)
	if err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("runs: get state: %w", err)
	}
	decision, err := interrupt.Detect(st, in)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}

	// 3. One arena entry per active run id.
	mode := model.RunModeStart
	if decision.Match != nil {
		mode = model.RunModeContinue
	}
	run, err := s.arena.Open(in.RunID, in.ThreadID, mode)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}

	p := &Plan{s: s, agent: agent, eng: eng, in: in, run: run, decision: decision}
	if decision.Match == nil {
		var keys []string
		if schema, ok := eng.(engine.InputSchema); ok {
			keys = schema.InputKeys()
		}
		p.input = engine.Input{
			Values:   messages.StreamInput(mode, stateWithTools(in), keys),
			Messages: msgs,
		}
	}
	return p, nil
}

// stateWithTools is the client state with the client's tools under "tools".
func stateWithTools(in model.RunInput) map[string]any {
	if len(in.Tools) == 0 {
		return in.State
	}
	out := make(map[string]any, len(in.State)+1)
	for k, v := range in.State {
		out[k] = v
	}
	tools := make([]any, len(in.Tools))
	for i, t := range in.Tools {
		tools[i] = map[string]any{"name": t.Name, "description": t.Description, "parameters": t.Parameters}
	}
	out["tools"] = tools
	return out
}

// Close releases a plan that will not be executed.
func (p *Plan) Close() {
	if p.released {
		return
	}
	p.released = true
	p.s.arena.Release(p.run.ID)
	p.s.sem.Release(1)
}

// Run prepares and executes a run in one call. Failures that Prepare would
// reject before streaming are reported as RUN_STARTED followed by RUN_ERROR.
func (s *Service) Run(ctx context.Context, agent string, in model.RunInput, emit Emit) error {
	p, err := s.Prepare(ctx, agent, in)
	if err != nil {
		now := s.now()
		if emitErr := emit(model.RunStarted(in.ThreadID, in.RunID).Stamp(now)); emitErr != nil {
			return err
		}
		_ = emit(model.RunError(err.Error(), ErrorCode(err)).Stamp(now))
		return err
	}
	return p.Execute(ctx, emit)
}

// ErrorCode maps a run failure to its RUN_ERROR code.
func ErrorCode(err error) string {
	var ambiguous *interrupt.AmbiguousResumeError
	var invalid *InvalidInputError
	switch {
	case errors.As(err, &ambiguous):
		return model.RunErrCodeInvalidResume
	case errors.As(err, &invalid):
		return model.ErrCodeInvalidInput
	case errors.Is(err, ErrAtCapacity), errors.Is(err, stream.ErrRunActive):
		return model.RunErrCodeUnavailable
	default:
		return model.RunErrCodeEngine
	}
}

// execution is the per-run bookkeeping of Execute.
type execution struct {
	p      *Plan
	emit   Emit
	seq    int64
	record *model.RunRecord
	logger *slog.Logger
}

// Execute emits the run's events through emit. It returns nil when the run
// finished, successfully or interrupted, and the cause otherwise. A cancelled
// ctx or a failing emit ends the run without closing events.
func (p *Plan) Execute(ctx context.Context, emit Emit) error {
	defer p.Close()
	s := p.s
	start := s.now()

	ctx, span := s.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", p.in.RunID),
		attribute.String("thread.id", p.in.ThreadID),
		attribute.String("run.agent", p.agent),
		attribute.String("run.mode", p.run.Mode),
	))
	x := &execution{
		p:      p,
		emit:   emit,
		logger: s.logger.With("run_id", p.in.RunID, "thread_id", p.in.ThreadID, "agent", p.agent),
	}
	s.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", p.run.Mode)))
	x.createRecord(ctx)

	c := x.execute(ctx)

	span.SetAttributes(
		attribute.String("run.outcome", string(c.Status)),
		attribute.Bool("run.tool_streaming", p.run.ToolStreaming),
	)
	if c.err != nil && c.Status == model.RunStatusFailed {
		span.RecordError(c.err)
		span.SetStatus(codes.Error, c.err.Error())
	}
	span.End()
	s.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(c.Status))))
	s.runDuration.Record(ctx, float64(s.now().Sub(start).Milliseconds()))
	x.completeRecord(ctx, c)

	switch c.Status {
	case model.RunStatusFailed:
		x.logger.Warn("run failed", "error", c.err)
	case model.RunStatusCancelled:
		x.logger.Info("run cancelled", "error", c.err)
	default:
		x.logger.Info("run finished", "status", c.Status, "events", x.seq,
			"tool_streaming", p.run.ToolStreaming, "duration_ms", s.now().Sub(start).Milliseconds())
	}
	return c.err
}

// completion is how a run ended.
type completion struct {
	Status      model.RunStatus
	InterruptID string
	Reason      string
	err         error
}

func (x *execution) send(e model.Event) error {
	s := x.p.s
	e = e.Stamp(s.now())
	x.seq++
	if s.journal != nil {
		if err := s.journal.Record(x.p.in.RunID, x.p.in.ThreadID, x.seq, e); err != nil {
			x.logger.Warn("journal event", "type", e.Type, "error", err)
		}
	}
	s.eventsEmitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(e.Type))))
	return x.emit(e)
}

func (x *execution) sendAll(events []model.Event) error {
	for _, e := range events {
		if err := x.send(e); err != nil {
			return err
		}
	}
	return nil
}

// fail emits RUN_ERROR for a fatal error.
func (x *execution) fail(err error) completion {
	if sendErr := x.send(model.RunError(err.Error(), ErrorCode(err))); sendErr != nil {
		return cancelled(sendErr)
	}
	return completion{Status: model.RunStatusFailed, err: err}
}

func cancelled(err error) completion {
	return completion{Status: model.RunStatusCancelled, err: err}
}

func (x *execution) execute(ctx context.Context) completion {
	p := x.p
	in := p.in

	// 1. RUN_STARTED opens every run.
	if err := x.send(model.RunStarted(in.ThreadID, in.RunID)); err != nil {
		return cancelled(err)
	}

	// 2. A pending interrupt and no resume: report it without touching the
	// engine.
	if len(p.decision.Terminal) > 0 {
		if err := x.sendAll(p.decision.Terminal); err != nil {
			return cancelled(err)
		}
		first := p.decision.Pending[0].Interrupt
		reason, _ := interrupt.ResolveReason([]engine.Interrupt{first})
		return completion{Status: model.RunStatusInterrupted, InterruptID: first.ID, Reason: reason}
	}

	// 3. A matched resume persists any tool result before streaming.
	input := p.input
	if m := p.decision.Match; m != nil {
		cmd, err := interrupt.NewRouter(p.eng, x.logger).Route(ctx, in.ThreadID, p.decision.Payload, *m)
		if err != nil {
			return x.fail(fmt.Errorf("runs: resume: %w", err))
		}
		input = engine.Input{Command: cmd}
	}

	// 4. Stream and translate.
	cfg := engine.RunConfig{ThreadID: in.ThreadID, RunID: in.RunID}
	st, err := p.eng.Stream(ctx, cfg, input)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return x.fail(fmt.Errorf("runs: stream: %w", err))
	}
	defer func() { _ = st.Close() }()

	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			return x.fail(fmt.Errorf("runs: recv: %w", err))
		}
		if err := x.sendAll(p.run.Translate(chunk)); err != nil {
			return cancelled(err)
		}
	}
	if err := x.sendAll(p.run.Finish()); err != nil {
		return cancelled(err)
	}

	// 5. Snapshots from the state the stream left behind.
	final, err := p.eng.GetState(ctx, in.ThreadID)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return x.fail(fmt.Errorf("runs: get state: %w", err))
	}
	history, err := messages.FromEngine(final.Messages)
	if err != nil {
		return x.fail(fmt.Errorf("runs: convert messages: %w", err))
	}
	snapshot := []model.Event{
		model.MessagesSnapshot(messages.InterleaveReasoning(history, p.run.ReasoningMessages)),
		model.StateSnapshot(snapshotValues(final.Values)),
	}
	if err := x.sendAll(snapshot); err != nil {
		return cancelled(err)
	}

	// 6. The engine may have paused again during the stream.
	if pending := interrupt.Collect(final); len(pending) > 0 {
		if err := x.sendAll(interrupt.TerminalBatch(in.ThreadID, in.RunID, pending[0].Interrupt)); err != nil {
			return cancelled(err)
		}
		reason, _ := interrupt.ResolveReason(interrupt.Interrupts(pending))
		return completion{Status: model.RunStatusInterrupted, InterruptID: pending[0].Interrupt.ID, Reason: reason}
	}
	if err := x.send(model.RunFinishedSuccess(in.ThreadID, in.RunID, nil)); err != nil {
		return cancelled(err)
	}
	return completion{Status: model.RunStatusSucceeded}
}

func snapshotValues(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func (x *execution) createRecord(ctx context.Context) {
	r := x.p.s.recorder
	if r == nil {
		return
	}
	rec, err := r.CreateRun(ctx, x.p.in.RunID, x.p.in.ThreadID, x.p.agent, x.p.run.Mode)
	if err != nil {
		x.logger.Warn("create run record", "error", err)
		return
	}
	x.record = &rec
}

// completeRecord closes the run record and publishes the outcome. It runs on
// a context detached from the request so cancelled runs are recorded too.
func (x *execution) completeRecord(ctx context.Context, c completion) {
	r := x.p.s.recorder
	if r == nil || x.record == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rc := storage.RunCompletion{Status: c.Status, InterruptID: c.InterruptID, EventCount: int(x.seq)}
	if c.err != nil && c.Status == model.RunStatusFailed {
		rc.Error = c.err.Error()
	}
	if err := r.CompleteRun(ctx, x.record.ID, rc); err != nil {
		x.logger.Warn("complete run record", "error", err)
	}

	payload, err := json.Marshal(model.RunNotification{
		RunID:       x.p.in.RunID,
		ThreadID:    x.p.in.ThreadID,
		Agent:       x.p.agent,
		Status:      c.Status,
		InterruptID: c.InterruptID,
		Reason:      c.Reason,
	})
	if err != nil {
		return
	}
	if err := r.Notify(ctx, storage.ChannelRuns, string(payload)); err != nil {
		x.logger.Warn("notify run completion", "error", err)
	}
}
