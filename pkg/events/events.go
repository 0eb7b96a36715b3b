package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventLoginSuccess          EventType = "auth.login.success"
	EventLoginFailure          EventType = "auth.login.failure"
	EventLogout                EventType = "auth.logout"
	EventTwoFactorEnabled      EventType = "auth.twofactor.enabled"
	EventTwoFactorDisabled     EventType = "auth.twofactor.disabled"
	EventPasskeyRegistered     EventType = "auth.passkey.registered"
	EventPasskeyAuthenticated  EventType = "auth.passkey.authenticated"
	EventBatchStarted          EventType = "batch.started"
	EventBatchSubtaskUpdate    EventType = "batch.subtask.update"
	EventBatchCompleted        EventType = "batch.completed"
	EventBatchCancelled        EventType = "batch.cancelled"
	EventTransferStarted       EventType = "transfer.started"
	EventTransferSubtaskUpdate EventType = "transfer.subtask.update"
	EventTransferCompleted     EventType = "transfer.completed"
	EventTransferCancelled     EventType = "transfer.cancelled"
)

// Event represents a domain event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Handler consumes an event. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(*Event)

// Broker manages event subscriptions and distribution. Delivery is
// synchronous: Publish invokes every handler in registration order before
// returning, which preserves per-type ordering for subscribers.
type Broker struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a handler for all subsequent events. Subscribers are
// registered at startup and never removed.
func (b *Broker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers an event to all subscribers on the caller's goroutine.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount returns the number of registered handlers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
