// Package sidecar is the fire-and-forget telemetry side channel for
// orchestration lifecycle events.
//
// The Emitter buffers events in memory and publishes them in batches from a
// background loop. Emission never blocks the caller and never fails it: when
// the buffer is full the event is dropped and counted.
package sidecar

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/telemetry"
)

// maxBatch triggers an early flush once this many events are waiting.
const maxBatch = 100

// Publisher delivers a batch of events to a sink.
type Publisher interface {
	Publish(ctx context.Context, events []model.SidecarEvent) error
}

// Emitter buffers events and flushes them to a Publisher.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	pub           Publisher
	logger        *slog.Logger
	capacity      int
	flushInterval time.Duration

	mu       sync.Mutex
	events   []model.SidecarEvent
	drainCtx context.Context

	started   atomic.Bool
	dropped   atomic.Int64
	published atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewEmitter creates an emitter holding at most capacity unsent events.
func NewEmitter(pub Publisher, logger *slog.Logger, capacity int, flushInterval time.Duration) *Emitter {
	return &Emitter{
		pub:           pub,
		logger:        logger,
		capacity:      capacity,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop. Call Drain to stop it.
// Calling Start twice is a no-op.
func (e *Emitter) Start(ctx context.Context) {
	if e == nil {
		return
	}
	if !e.started.CompareAndSwap(false, true) {
		e.logger.Warn("sidecar: emitter already started")
		return
	}
	e.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	go e.flushLoop(loopCtx)
}

// Emit queues an event. It never blocks.
func (e *Emitter) Emit(evt model.SidecarEvent) {
	if e == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}

	e.mu.Lock()
	if len(e.events) >= e.capacity {
		e.mu.Unlock()
		e.dropped.Add(1)
		e.logger.Debug("sidecar: buffer full, event dropped", "event_type", evt.EventType, "execution_id", evt.ExecutionID)
		return
	}
	e.events = append(e.events, evt)
	full := len(e.events) >= maxBatch
	e.mu.Unlock()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

func (e *Emitter) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			drainCtx := e.drainCtx
			e.mu.Unlock()
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
				e.flush(drainCtx)
				cancel()
			} else {
				e.flush(drainCtx)
			}
			close(e.done)
			return
		case <-ticker.C:
			e.flush(ctx)
		case <-e.flushCh:
			e.flush(ctx)
		}
	}
}

func (e *Emitter) flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.events) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.events
	e.events = nil
	e.mu.Unlock()

	if err := e.pub.Publish(ctx, batch); err != nil {
		e.logger.Warn("sidecar: publish failed", "error", err, "batch_size", len(batch))
		// Requeue ahead of newer events while there is room; the rest is lost.
		e.mu.Lock()
		room := e.capacity - len(e.events)
		if room < 0 {
			room = 0
		}
		keep := batch
		if len(keep) > room {
			keep = keep[len(keep)-room:]
			e.dropped.Add(int64(len(batch) - room))
		}
		e.events = append(append([]model.SidecarEvent(nil), keep...), e.events...)
		e.mu.Unlock()
		return
	}
	e.published.Add(int64(len(batch)))
	e.logger.Debug("sidecar: batch published", "batch_size", len(batch))
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (e *Emitter) Drain(ctx context.Context) {
	if e == nil || e.cancelLoop == nil {
		return
	}
	e.mu.Lock()
	e.drainCtx = ctx
	e.mu.Unlock()
	e.cancelLoop()
	select {
	case <-e.done:
	case <-ctx.Done():
		e.logger.Warn("sidecar: drain timed out", "remaining_events", e.Len())
	}
}

func (e *Emitter) registerMetrics() {
	meter := telemetry.Meter("garage/sidecar")

	_, _ = meter.Int64ObservableGauge("garage.sidecar.depth",
		metric.WithDescription("Events waiting to be published to the sidecar"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("garage.sidecar.dropped_total",
		metric.WithDescription("Events dropped because the sidecar buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.Dropped())
			return nil
		}),
	)
}

// Len returns the number of unsent events.
func (e *Emitter) Len() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Published returns how many events reached the publisher.
func (e *Emitter) Published() int64 {
	if e == nil {
		return 0
	}
	return e.published.Load()
}

// Capacity returns the most unsent events the emitter holds.
func (e *Emitter) Capacity() int {
	if e == nil {
		return 0
	}
	return e.capacity
}
