// Package interrupt detects pending engine interrupts before a run streams
// and routes client continuations back into the engine.
package interrupt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// DefaultReason is reported for interrupts that do not name a reason.
const DefaultReason = "human_approval"

// Pending is an interrupt together with the task that raised it.
type Pending struct {
	Task      engine.Task
	Interrupt engine.Interrupt
}

// Collect gathers the interrupts of every task in st, in task order.
func Collect(st engine.State) []Pending {
	var out []Pending
	for _, task := range st.Tasks {
		for _, in := range task.Interrupts {
			out = append(out, Pending{Task: task, Interrupt: in})
		}
	}
	return out
}

// Interrupts strips the task context from a pending list.
func Interrupts(pending []Pending) []engine.Interrupt {
	out := make([]engine.Interrupt, len(pending))
	for i, p := range pending {
		out[i] = p.Interrupt
	}
	return out
}

// ResolveReason returns the reason of the first interrupt: its value's
// "reason" field when the value is an object carrying one, DefaultReason
// otherwise. ok is false when there are no interrupts.
func ResolveReason(interrupts []engine.Interrupt) (reason string, ok bool) {
	if len(interrupts) == 0 {
		return "", false
	}
	return reasonOf(interrupts[0]), true
}

func reasonOf(in engine.Interrupt) string {
	if m, ok := in.Value.(map[string]any); ok {
		if r, ok := m["reason"].(string); ok && r != "" {
			return r
		}
	}
	return DefaultReason
}

// AmbiguousResumeError rejects a resume that cannot be matched to exactly
// one pending interrupt.
type AmbiguousResumeError struct {
	Target  string // requested interrupt id, empty when none was given
	Pending []string
}

func (e *AmbiguousResumeError) Error() string {
	ids := strings.Join(e.Pending, ", ")
	if e.Target != "" {
		return fmt.Sprintf("interrupt: resume targets unknown interrupt %q; %d pending interrupts: [%s]; set interruptId to one of them",
			e.Target, len(e.Pending), ids)
	}
	return fmt.Sprintf("interrupt: %d pending interrupts: [%s]; resume must set interruptId to choose one",
		len(e.Pending), ids)
}

// Decision is the outcome of Detect. Exactly one of the following holds:
// Terminal is non-empty (emit it and stop), Match is non-nil (resume it), or
// neither (stream fresh input).
type Decision struct {
	Pending  []Pending
	Terminal []model.Event
	Match    *Pending
	Payload  any
}

// Detect decides how a run proceeds given the thread's freshly read state.
//
// Without pending interrupts the run streams normally. With pending
// interrupts and no resume payload the request is a status check: the
// terminal batch reports the first interrupt and the engine is not advanced.
// With a payload the target interrupt is resolved; a resume that cannot be
// matched to exactly one interrupt fails with *AmbiguousResumeError.
func Detect(st engine.State, in model.RunInput) (Decision, error) {
	pending := Collect(st)
	d := Decision{Pending: pending}
	if len(pending) == 0 {
		return d, nil
	}

	payload, ok := in.ResumePayload()
	if !ok {
		d.Terminal = TerminalBatch(in.ThreadID, in.RunID, pending[0].Interrupt)
		return d, nil
	}

	match, err := match(pending, in.ResumeTarget())
	if err != nil {
		return Decision{}, err
	}
	d.Match = &match
	d.Payload = payload
	return d, nil
}

func match(pending []Pending, target string) (Pending, error) {
	if target == "" {
		if len(pending) == 1 {
			return pending[0], nil
		}
		return Pending{}, &AmbiguousResumeError{Pending: ids(pending)}
	}
	for _, p := range pending {
		if p.Interrupt.ID == target {
			return p, nil
		}
	}
	return Pending{}, &AmbiguousResumeError{Target: target, Pending: ids(pending)}
}

func ids(pending []Pending) []string {
	out := make([]string, len(pending))
	for i, p := range pending {
		out[i] = p.Interrupt.ID
	}
	return out
}

// TerminalBatch is what an interrupted run emits instead of a stream: a
// RUN_FINISHED with outcome interrupt, followed by the on_interrupt CUSTOM
// event older clients listen for.
func TerminalBatch(threadID, runID string, in engine.Interrupt) []model.Event {
	return []model.Event{
		model.RunFinishedInterrupt(threadID, runID, model.InterruptInfo{
			ID:      in.ID,
			Reason:  reasonOf(in),
			Payload: in.Value,
		}),
		model.Custom(model.CustomOnInterrupt, customValue(in.Value)),
	}
}

// customValue renders an interrupt value the way on_interrupt consumers
// expect it: strings verbatim, everything else as JSON text.
func customValue(v any) any {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
