package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsumugi/internal/ctxutil"
	"github.com/ashita-ai/tsumugi/internal/interrupt"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/stream"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	defaultRunLimit   = 20
	maxRunLimit       = 200
)

// HandleRunAgent handles POST /v1/agents/{agent}/runs.
//
// Input, agent, conflict and capacity errors are answered with a JSON
// envelope before the stream opens. Everything else, including a failing
// first state read, travels as events after the 200.
func (h *Handlers) HandleRunAgent(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")

	// Clients send the full protocol input; fields this server does not
	// use are ignored rather than rejected.
	var in model.RunInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	plan, err := h.runs.Prepare(r.Context(), agent, in)
	if err != nil && h.writePrepareError(w, r, err) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		if plan != nil {
			plan.Close()
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	mode := model.RunModeStart
	if plan != nil {
		mode = plan.Mode()
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("tsumugi.agent", agent),
		attribute.String("tsumugi.run_id", in.RunID),
		attribute.String("tsumugi.thread_id", in.ThreadID),
		attribute.String("tsumugi.run_mode", mode),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A run lasts as long as the engine needs; WriteTimeout must not cut it.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	emit := func(e model.Event) error {
		frame, err := sseFrame(e)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("server: write event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	if err != nil {
		h.logger.Error("run failed before execution",
			"error", err, "agent", agent, "run_id", in.RunID, "thread_id", in.ThreadID,
			"request_id", ctxutil.RequestID(r.Context()))
		now := time.Now().UTC()
		if emitErr := emit(model.RunStarted(in.ThreadID, in.RunID).Stamp(now)); emitErr != nil {
			return
		}
		_ = emit(model.RunError(err.Error(), runs.ErrorCode(err)).Stamp(now))
		return
	}

	// Execute logs and records its own outcome.
	_ = plan.Execute(r.Context(), emit)
}

// sseFrame encodes one event as an SSE data frame.
func sseFrame(e model.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("server: encode event: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// writePrepareError answers the Prepare errors that are rejected before the
// stream opens and reports whether it wrote a response.
func (h *Handlers) writePrepareError(w http.ResponseWriter, r *http.Request, err error) bool {
	var ambiguous *interrupt.AmbiguousResumeError
	var invalid *runs.InvalidInputError
	switch {
	case errors.As(err, &ambiguous):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, ambiguous.Error())
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, invalid.Err.Error())
	case errors.Is(err, runs.ErrUnknownAgent):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+r.PathValue("agent"))
	case errors.Is(err, stream.ErrRunActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run with this runId is already active")
	case errors.Is(err, runs.ErrAtCapacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "too many active runs")
	default:
		return false
	}
	return true
}

// HandleThreadState handles GET /v1/threads/{thread_id}/state.
// The agent query parameter may be omitted when only one agent is registered.
func (h *Handlers) HandleThreadState(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		names := h.runs.Agents()
		if len(names) != 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"agent query parameter is required when more than one agent is registered")
			return
		}
		agent = names[0]
	}

	view, err := h.runs.ThreadState(r.Context(), agent, threadID)
	if err != nil {
		if errors.Is(err, runs.ErrUnknownAgent) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found: "+agent)
			return
		}
		h.writeInternalError(w, r, "failed to read thread state", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleListThreadRuns handles GET /v1/threads/{thread_id}/runs.
func (h *Handlers) HandleListThreadRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultRunLimit, 1, maxRunLimit)
	if !ok {
		return
	}
	records, err := h.store.ListRunsByThread(r.Context(), r.PathValue("thread_id"), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeList(w, r, records, len(records) == limit, limit)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	runID := r.PathValue("run_id")
	record, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+runID)
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	afterSeq, ok := queryInt(w, r, "after_seq", 0, 0, -1)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultEventLimit, 1, maxEventLimit)
	if !ok {
		return
	}
	events, err := h.store.GetEventsByRun(r.Context(), r.PathValue("run_id"), int64(afterSeq), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to read run events", err)
		return
	}
	if events == nil {
		events = []model.RunEvent{}
	}
	writeList(w, r, events, len(events) == limit, limit)
}

func (h *Handlers) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.store != nil {
		return true
	}
	h.logger.Debug("run history requested without a database", "request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
		"run history not available (DATABASE_URL not configured)")
	return false
}

// queryInt parses an integer query parameter. hi < 0 means no upper bound.
// On failure it writes a 400 and returns false.
func queryInt(w http.ResponseWriter, r *http.Request, key string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		msg := fmt.Sprintf("%s must be an integer >= %d", key, lo)
		if hi >= 0 {
			msg = fmt.Sprintf("%s must be an integer between %d and %d", key, lo, hi)
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, msg)
		return 0, false
	}
	return n, true
}
