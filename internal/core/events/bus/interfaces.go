package bus

import "time"

// Event is a structured notification raised by the core. Replication raises
// one event per spawn, despawn and component change; faults that are not
// fatal (decode failures, unresolved references) surface here as diagnostics.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler processes a delivered event. Handlers run synchronously on the
// publishing goroutine, which for the core is the tick-processing goroutine.
type EventHandler func(Event) error

// Subscription represents an active event subscription.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// EventBus is a minimal in-process publish/subscribe bus.
type EventBus interface {
	Publish(event Event) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	SubscribeAll(handler EventHandler) (Subscription, error)
	Close() error
}
