package events

import (
	"sync"
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewEventBus(16)

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Data["n"].(int))
		mu.Unlock()
	}, EventPositionUpdated)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventPositionUpdated, Data: map[string]interface{}{"n": i}})
	}
	bus.Close()

	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("out of order delivery at %d: %v", i, got)
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewEventBus(16)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, EventFailSafeEngaged)

	bus.Publish(Event{Type: EventPositionUpdated})
	bus.Publish(Event{Type: EventFailSafeEngaged})
	bus.Close()

	if count != 1 {
		t.Errorf("expected 1 filtered event, got %d", count)
	}
}

func TestFullQueueDrops(t *testing.T) {
	bus := NewEventBus(1)
	block := make(chan struct{})
	bus.SubscribeAll(func(e Event) { <-block })

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTradeResult})
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events with a blocked subscriber")
	}
	close(block)
	bus.Close()
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewEventBus(4)
	bus.Close()
	bus.Publish(Event{Type: EventTradeResult})
	bus.Close()
}
