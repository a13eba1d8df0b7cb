package events

import (
	"sync"
	"testing"
	"time"
)

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	var mu sync.Mutex
	var received []Event

	_, err := bus.Subscribe(TypeSlotPublished, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(TypeSlotPublished, map[string]interface{}{"slot_id": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event delivered, got %d", len(received))
	}
	if received[0].Type != TypeSlotPublished {
		t.Fatalf("expected type %q, got %q", TypeSlotPublished, received[0].Type)
	}
}

func TestMemoryBusIgnoresOtherEventTypes(t *testing.T) {
	bus := NewMemoryBus()
	called := false
	_, err := bus.Subscribe(TypeSlotFailed, func(e Event) { called = true })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(TypeSlotPublished, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if called {
		t.Fatalf("handler for a different event type should not be invoked")
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	count := 0
	sub, err := bus.Subscribe(TypeSlotPublished, func(e Event) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = bus.Publish(TypeSlotPublished, nil)
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = bus.Publish(TypeSlotPublished, nil)

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestMemoryBusCloseSuppressesFurtherPublishes(t *testing.T) {
	bus := NewMemoryBus()
	count := 0
	_, _ = bus.Subscribe(TypeSlotPublished, func(e Event) { count++ })

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(TypeSlotPublished, nil); err != nil {
		t.Fatalf("publish after close should be a no-op, not an error: %v", err)
	}
	time.Sleep(time.Millisecond)
	if count != 0 {
		t.Fatalf("expected no deliveries after close, got %d", count)
	}
}
