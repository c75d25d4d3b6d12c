package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/djb258/garage-mcp/internal/model"
)

// Broker fans sidecar events out to SSE subscribers. It implements
// sidecar.Publisher, so the emitter can publish to it alongside (or instead
// of) a remote sidecar.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish formats each event as an SSE message and broadcasts it.
func (b *Broker) Publish(_ context.Context, events []model.SidecarEvent) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			b.logger.Warn("broker: encode event", "error", err, "execution_id", e.ExecutionID)
			continue
		}
		b.broadcast(formatSSE(string(e.EventType), string(payload)))
	}
	return nil
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers reports how many streams are attached.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event rather than stalling the others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
