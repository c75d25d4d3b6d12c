package sidecar

import (
	"context"
	"sync"

	"github.com/djb258/garage-mcp/internal/model"
)

// DefaultSinkCapacity bounds how many events a Sink retains.
const DefaultSinkCapacity = 10_000

// Sink is an in-memory event store serving the /sidecar endpoints. Oldest
// events are evicted first. It also implements Publisher so an embedded
// sink can receive events without an HTTP hop.
type Sink struct {
	mu       sync.RWMutex
	capacity int
	events   []model.SidecarEvent
	total    int
	errors   int
	types    map[model.EventType]int
	agents   map[string]int
}

// NewSink creates a sink retaining up to capacity events.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	return &Sink{
		capacity: capacity,
		types:    make(map[model.EventType]int),
		agents:   make(map[string]int),
	}
}

// Publish records a batch.
func (s *Sink) Publish(_ context.Context, events []model.SidecarEvent) error {
	s.Record(events...)
	return nil
}

// Record appends events, evicting the oldest beyond capacity. Counters cover
// every event ever recorded.
func (s *Sink) Record(events ...model.SidecarEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.total++
		s.types[e.EventType]++
		if e.AgentID != "" {
			s.agents[e.AgentID]++
		}
		if e.EventType == model.EventOrchestrationFailed {
			s.errors++
		}
	}
	s.events = append(s.events, events...)
	if over := len(s.events) - s.capacity; over > 0 {
		s.events = append([]model.SidecarEvent(nil), s.events[over:]...)
	}
}

// Recent returns up to limit of the newest events, oldest first.
func (s *Sink) Recent(limit int) []model.SidecarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	return append([]model.SidecarEvent(nil), s.events[len(s.events)-limit:]...)
}

// Stats summarises everything recorded so far.
func (s *Sink) Stats() model.SidecarStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := model.SidecarStats{
		TotalEvents: s.total,
		ErrorCount:  s.errors,
		EventTypes:  make(map[model.EventType]int, len(s.types)),
		Agents:      make(map[string]int, len(s.agents)),
	}
	for k, v := range s.types {
		st.EventTypes[k] = v
	}
	for k, v := range s.agents {
		st.Agents[k] = v
	}
	if n := len(s.events); n > 0 {
		last := s.events[n-1]
		st.LastEvent = &last
	}
	return st
}
