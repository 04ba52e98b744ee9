package checkpoint_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/checkpoint"
)

type journaled interface {
	checkpoint.Store
	Writes(ctx context.Context, threadID string) ([]checkpoint.Write, error)
}

func stores(t *testing.T) map[string]journaled {
	t.Helper()
	sqlite, err := checkpoint.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]journaled{
		"memory": checkpoint.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "nope")
			assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		})
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cp := checkpoint.Checkpoint{
				ThreadID: "thread-1",
				Agent:    "approvals",
				Cursor:   2,
				Values:   map[string]any{"topic": "go", "count": 3},
				Messages: []engine.Message{{ID: "m1", Role: engine.RoleUser, Content: "hi"}},
				Tasks: []engine.Task{{
					ID:         "task-1",
					Name:       "tools",
					Interrupts: []engine.Interrupt{{ID: "int-1", Value: map[string]any{"reason": "tool_approval"}}},
				}},
				Next: []string{"tools"},
			}
			require.NoError(t, s.Save(ctx, cp))
			require.NoError(t, s.Save(ctx, cp))

			got, err := s.Load(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
			assert.False(t, got.UpdatedAt.IsZero())
			assert.Equal(t, 2, got.Cursor)
			assert.Equal(t, "approvals", got.Agent)
			assert.Equal(t, map[string]any{"topic": "go", "count": float64(3)}, got.Values)
			assert.Equal(t, "hi", got.Messages[0].Content)
			require.Len(t, got.Tasks, 1)
			assert.Equal(t, "int-1", got.Tasks[0].Interrupts[0].ID)
			assert.Equal(t, []string{"tools"}, got.State().Next)
		})
	}
}

func TestUpdate_MergesAndJournals(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := engine.Update{Values: map[string]any{"tool_results": map[string]any{"tc-1": "one"}}}
			second := engine.Update{
				Values:   map[string]any{"tool_results": map[string]any{"tc-2": "two"}},
				Messages: []engine.Message{{ID: "m1", Role: engine.RoleAssistant, Content: "done"}},
			}
			require.NoError(t, checkpoint.Update(ctx, s, "thread-1", first, "tools"))
			require.NoError(t, checkpoint.Update(ctx, s, "thread-1", second, "agent"))

			cp, err := s.Load(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"tc-1": "one", "tc-2": "two"}, cp.Values["tool_results"])
			require.Len(t, cp.Messages, 1)

			writes, err := s.Writes(ctx, "thread-1")
			require.NoError(t, err)
			require.Len(t, writes, 2)
			assert.Equal(t, "tools", writes[0].AsNode)
			assert.Equal(t, "agent", writes[1].AsNode)
			assert.False(t, writes[0].CreatedAt.IsZero())
		})
	}
}

func TestApply(t *testing.T) {
	cp := checkpoint.Checkpoint{
		Values:   map[string]any{"plain": 1, "nested": map[string]any{"a": 1}},
		Messages: []engine.Message{{ID: "m1", Content: "draft"}},
	}
	cp.Apply(engine.Update{
		Values:   map[string]any{"plain": 2, "nested": map[string]any{"b": 2}},
		Messages: []engine.Message{{ID: "m1", Content: "final"}, {ID: "m2", Content: "next"}},
	})

	assert.Equal(t, 2, cp.Values["plain"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, cp.Values["nested"])
	require.Len(t, cp.Messages, 2)
	assert.Equal(t, "final", cp.Messages[0].Content)

	var empty checkpoint.Checkpoint
	empty.Apply(engine.Update{Values: map[string]any{"k": "v"}})
	assert.Equal(t, "v", empty.Values["k"])
}
