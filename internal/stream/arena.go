package stream

import (
	"errors"
	"sync"
)

// ErrRunActive is returned by Arena.Open when the run id is already in use.
var ErrRunActive = errors.New("stream: run already active")

// Arena owns the per-run translation state of every active run, keyed by
// run id. The arena is safe for concurrent use; each Run it hands out is not
// and must stay with the goroutine that opened it.
type Arena struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{runs: make(map[string]*Run)}
}

// Open creates the state of a new run. Opening a run id that is still active
// fails with ErrRunActive.
func (a *Arena) Open(runID, threadID, mode string) (*Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.runs[runID]; ok {
		return nil, ErrRunActive
	}
	r := NewRun(runID, threadID, mode)
	a.runs[runID] = r
	return r, nil
}

// Get returns the state of an active run.
func (a *Arena) Get(runID string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[runID]
	return r, ok
}

// Release discards a run's state. Open blocks are dropped without end
// events; callers that finished normally call Run.Finish first.
func (a *Arena) Release(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

// Len returns the number of active runs.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}
