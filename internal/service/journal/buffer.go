// Package journal records every protocol event a run emits. Events are
// buffered in memory and written to Postgres with COPY in batches, off the
// streaming path.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// maxBufferCapacity bounds buffered events. Appends beyond it are rejected.
const maxBufferCapacity = 100_000

// ErrBufferFull is returned by Append when the buffer is at capacity.
var ErrBufferFull = errors.New("journal: buffer at capacity")

// Writer persists a batch of events.
type Writer interface {
	InsertEvents(ctx context.Context, events []model.RunEvent) (int64, error)
}

// Buffer accumulates events and flushes them when the batch size or the
// flush interval is reached.
type Buffer struct {
	w             Writer
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	events []model.RunEvent

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer that flushes into w.
func NewBuffer(w Writer, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Buffer{
		w:             w,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop and registers metrics. A second call is a
// no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("journal: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record encodes one emitted event as the seq-th event of a run and buffers
// it.
func (b *Buffer) Record(runID, threadID string, seq int64, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", e.Type, err)
	}
	occurred := time.Now().UTC()
	if e.Timestamp > 0 {
		occurred = time.UnixMilli(e.Timestamp).UTC()
	}
	return b.Append(model.RunEvent{
		ID:          uuid.New(),
		RunID:       runID,
		ThreadID:    threadID,
		EventType:   e.Type,
		SequenceNum: seq,
		Payload:     payload,
		OccurredAt:  occurred,
	})
}

// Append buffers events. It never blocks on the database.
func (b *Buffer) Append(events ...model.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events)+len(events) > maxBufferCapacity {
		return fmt.Errorf("%w (%d events)", ErrBufferFull, len(b.events))
	}
	b.events = append(b.events, events...)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is done; the final flush runs under the drain deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallback, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallback)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush writes everything buffered so far.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	n, err := b.w.InsertEvents(ctx, batch)
	if err != nil {
		b.logger.Error("journal: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("journal: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("journal: batch flushed",
		"batch_size", n,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		b.flush(ctx)
		return
	}
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("journal: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("tsumugi/journal")

	_, _ = meter.Int64ObservableGauge("tsumugi.journal.buffer_depth",
		metric.WithDescription("Events waiting to be written to the run journal"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tsumugi.journal.dropped_total",
		metric.WithDescription("Events dropped after flush failures at capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns how many events were lost to capacity exhaustion.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Capacity returns the most events the buffer holds before rejecting appends.
func (b *Buffer) Capacity() int { return maxBufferCapacity }
