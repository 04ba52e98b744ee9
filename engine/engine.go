// Package engine defines the contract between tsumugi and a stateful,
// checkpointable agent-execution engine.
//
// tsumugi never decides what the engine executes. It reads thread state to
// find pending interrupts, writes attributed state updates when a client
// resumes with a tool result, and consumes the engine's chunk stream:
//
//	st, err := eng.GetState(ctx, threadID)
//	...
//	stream, err := eng.Stream(ctx, engine.RunConfig{ThreadID: threadID, RunID: runID}, in)
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Recv()
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// Everything in this package is plain data plus interfaces so that engines
// can be implemented outside this module.
package engine

import "context"

// StateReader returns the current checkpointed state of a thread.
// A thread that has never run returns a zero State and a nil error.
type StateReader interface {
	GetState(ctx context.Context, threadID string) (State, error)
}

// StateWriter applies a partial state update to a thread. asNode attributes
// the write to a graph node so the engine can decide which edges to follow
// when execution continues.
type StateWriter interface {
	UpdateState(ctx context.Context, threadID string, update Update, asNode string) error
}

// Streamer starts (or continues) execution of a thread and returns the
// resulting chunk stream. When in.Command is non-nil the engine resumes from
// its pending interrupts instead of consuming fresh input.
type Streamer interface {
	Stream(ctx context.Context, cfg RunConfig, in Input) (Stream, error)
}

// Engine is the full set of capabilities tsumugi needs from an execution engine.
type Engine interface {
	StateReader
	StateWriter
	Streamer
}

// Stream is an ordered, single-consumer sequence of chunks.
// Recv returns io.EOF once the engine has finished producing output.
// Close releases resources and must be safe to call after Recv returned an error.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// InputSchema is implemented by engines that only accept some state keys as
// input. Keys outside the schema are dropped before a fresh run starts.
type InputSchema interface {
	InputKeys() []string
}
