package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents different types of events in the safety core
type EventType string

const (
	EventPositionUpdated     EventType = "POSITION_UPDATED"
	EventFillApplied         EventType = "FILL_APPLIED"
	EventPendingOrderExpired EventType = "PENDING_ORDER_EXPIRED"
	EventReconcileMismatch   EventType = "RECONCILE_MISMATCH"
	EventRiskViolation       EventType = "RISK_VIOLATION"
	EventTradeResult         EventType = "TRADE_RESULT"
	EventFailSafeEngaged     EventType = "FAILSAFE_ENGAGED"
	EventFailSafeReset       EventType = "FAILSAFE_RESET"
	EventGuardrailViolation  EventType = "GUARDRAIL_VIOLATION"
	EventStuckPosition       EventType = "STUCK_POSITION"
	EventRecoveryCompleted   EventType = "RECOVERY_COMPLETED"
	EventSessionFlatten      EventType = "SESSION_FLATTEN"
	EventModelRotated        EventType = "MODEL_ROTATED"
	EventRotationFailed      EventType = "ROTATION_FAILED"
	EventKillSwitch          EventType = "KILL_SWITCH"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the narrow interface producers depend on
type Publisher interface {
	Publish(event Event)
}

// subscription delivers events to one subscriber in publish order
type subscription struct {
	types map[EventType]bool // nil means all events
	queue chan Event
	fn    Subscriber
}

// EventBus fans events out to subscribers. Each subscriber owns a buffered
// queue drained by a single goroutine, so delivery per subscriber is ordered.
// A full queue drops the event and increments the drop counter.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	wg      sync.WaitGroup
	closed  bool
	dropped atomic.Int64
	bufSize int
}

// NewEventBus creates a new event bus with the given per-subscriber buffer
func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &EventBus{bufSize: bufSize}
}

// Subscribe registers a subscriber for the given event types
func (eb *EventBus) Subscribe(subscriber Subscriber, types ...EventType) {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	eb.add(&subscription{types: filter, fn: subscriber})
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.add(&subscription{fn: subscriber})
}

func (eb *EventBus) add(sub *subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	sub.queue = make(chan Event, eb.bufSize)
	eb.subs = append(eb.subs, sub)

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for ev := range sub.queue {
			func() {
				defer func() { _ = recover() }()
				sub.fn(ev)
			}()
		}
	}()
}

// Publish sends an event to all matching subscribers without blocking
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	for _, sub := range eb.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were dropped on full subscriber queues
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close stops accepting events and waits for queued events to drain
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.queue)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
}

// Nop is a publisher that discards events
type Nop struct{}

// Publish discards the event
func (Nop) Publish(Event) {}
