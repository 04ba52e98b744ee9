package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process. Checkpoints are held encoded, so
// callers never share maps or slices with the store.
type MemoryStore struct {
	mu     sync.Mutex
	saved  map[string][]byte
	writes map[string][][]byte
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		saved:  make(map[string][]byte),
		writes: make(map[string][][]byte),
		now:    time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, threadID string) (Checkpoint, error) {
	s.mu.Lock()
	b, ok := s.saved[threadID]
	s.mu.Unlock()
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return decode(b)
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.saved[cp.ThreadID]; ok {
		old, err := decode(prev)
		if err != nil {
			return err
		}
		cp.Version = old.Version + 1
	} else {
		cp.Version = 1
	}
	cp.UpdatedAt = s.now().UTC()

	b, err := encode(cp)
	if err != nil {
		return err
	}
	s.saved[cp.ThreadID] = b
	return nil
}

func (s *MemoryStore) AppendWrite(_ context.Context, w Write) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("checkpoint: encode write: %w", err)
	}
	s.mu.Lock()
	s.writes[w.ThreadID] = append(s.writes[w.ThreadID], b)
	s.mu.Unlock()
	return nil
}

// Writes returns the journal of a thread, oldest first.
func (s *MemoryStore) Writes(_ context.Context, threadID string) ([]Write, error) {
	s.mu.Lock()
	raw := append([][]byte(nil), s.writes[threadID]...)
	s.mu.Unlock()

	out := make([]Write, 0, len(raw))
	for _, b := range raw {
		var w Write
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("checkpoint: decode write: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}
