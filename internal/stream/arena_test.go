package stream_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/stream"
)

func TestArena_OpenIsInitialised(t *testing.T) {
	a := stream.NewArena()
	r, err := a.Open("run-1", "thread-1", model.RunModeStart)
	require.NoError(t, err)
	assert.Nil(t, r.Reasoning)
	assert.Empty(t, r.ReasoningMessages)
	assert.Zero(t, r.Blocks.Len())
	assert.Equal(t, "thread-1", r.ThreadID)

	got, ok := a.Get("run-1")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestArena_DuplicateRunID(t *testing.T) {
	a := stream.NewArena()
	_, err := a.Open("run-1", "thread-1", model.RunModeStart)
	require.NoError(t, err)
	_, err = a.Open("run-1", "thread-1", model.RunModeStart)
	assert.ErrorIs(t, err, stream.ErrRunActive)

	a.Release("run-1")
	_, err = a.Open("run-1", "thread-1", model.RunModeContinue)
	assert.NoError(t, err)
}

func TestArena_ReleaseDropsOpenBlocksSilently(t *testing.T) {
	a := stream.NewArena()
	r, err := a.Open("run-1", "thread-1", model.RunModeStart)
	require.NoError(t, err)
	r.Translate(engine.Chunk{MessageID: "m", Content: "half a sentence"})

	a.Release("run-1")
	_, ok := a.Get("run-1")
	assert.False(t, ok)
	assert.Zero(t, a.Len())
}

func TestArena_RunsDoNotShareState(t *testing.T) {
	a := stream.NewArena()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			r, err := a.Open(runID, "thread", model.RunModeStart)
			if !assert.NoError(t, err) {
				return
			}
			r.Translate(engine.Chunk{MessageID: "m", Content: []any{map[string]any{"thinking": runID}}})
			r.Translate(engine.Chunk{MessageID: "m", Content: "done"})
			if assert.Len(t, r.ReasoningMessages, 1) {
				assert.Equal(t, []string{runID}, r.ReasoningMessages[0].Content)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, a.Len())
}
