package events

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus implementation used when NATS is disabled
// (single-process deployments, tests).
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Handler
	closed      bool
}

// NewMemoryBus builds an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string]map[string]Handler)}
}

type memorySubscription struct {
	bus       *MemoryBus
	eventType string
	id        string
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subscribers[s.eventType]; ok {
		delete(handlers, s.id)
	}
	return nil
}

// Publish synchronously invokes every handler subscribed to eventType.
func (b *MemoryBus) Publish(eventType string, data map[string]interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	evt := Event{ID: uuid.NewString(), Type: eventType, Source: "scheduler", Data: data}
	for _, h := range b.subscribers[eventType] {
		h(evt)
	}
	return nil
}

// Subscribe registers handler for eventType.
func (b *MemoryBus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[string]Handler)
	}
	id := uuid.NewString()
	b.subscribers[eventType][id] = handler

	return &memorySubscription{bus: b, eventType: eventType, id: id}, nil
}

// Close marks the bus as closed; subsequent Publish calls become no-ops.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
