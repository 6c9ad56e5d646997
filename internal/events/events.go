package events

import (
	"sync"
	"time"
)

const (
	EventQueueChanged   = "queue_changed"
	EventOperationDead  = "operation_dead"
	EventSyncStarted    = "sync_started"
	EventSyncFinished   = "sync_finished"
	EventNetworkChanged = "network_changed"
	EventStatusChanged  = "status_changed"
)

// Event is an in-process notification. Payload type depends on Type.
type Event struct {
	Type      string
	Payload   interface{}
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub. Handlers run synchronously on the publisher's goroutine.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns a function removing it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	return func() { b.unsubscribe(eventType, id) }
}

func (b *EventBus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		s.handler(event)
	}
}

// Emit is a shorthand for publishing a payload under eventType.
func (b *EventBus) Emit(eventType string, payload interface{}) {
	b.Publish(&Event{Type: eventType, Payload: payload})
}
