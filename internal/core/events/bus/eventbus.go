package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBusClosed = errors.New("event bus is closed")

// wildcard is the internal event type used for SubscribeAll handlers.
const wildcard = "*"

// simpleEvent is a basic implementation of Event.
type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	data    any
}

func (e simpleEvent) Type() string         { return e.typeStr }
func (e simpleEvent) Source() string       { return e.source }
func (e simpleEvent) Timestamp() time.Time { return e.ts }
func (e simpleEvent) Data() any            { return e.data }

// NewEvent creates a simple Event implementation.
func NewEvent(typ, src string, data any) Event {
	return simpleEvent{typeStr: typ, source: src, ts: time.Now(), data: data}
}

// subscription implements Subscription.
type subscription struct {
	id        string
	eventType string
	handler   EventHandler
	active    bool
	cancel    func()
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) IsActive() bool    { return s.active }
func (s *subscription) Cancel() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.active = false
	return nil
}

// inMemoryBus is a thread-safe EventBus implementation.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: eventType -> subID -> subscription
	handlers map[string]map[string]*subscription
	closed   bool
}

// New creates a new EventBus instance.
func New() EventBus {
	return &inMemoryBus{
		handlers: make(map[string]map[string]*subscription),
	}
}

func (b *inMemoryBus) Publish(event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*subscription, 0, 4)
	for _, s := range b.handlers[event.Type()] {
		subs = append(subs, s)
	}
	for _, s := range b.handlers[wildcard] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.handler(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *inMemoryBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	return b.subscribe(eventType, handler)
}

func (b *inMemoryBus) SubscribeAll(handler EventHandler) (Subscription, error) {
	return b.subscribe(wildcard, handler)
}

func (b *inMemoryBus) subscribe(eventType string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]*subscription)
	}
	id := uuid.NewString()
	s := &subscription{id: id, eventType: eventType, handler: handler, active: true}
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if mm, ok := b.handlers[eventType]; ok {
			delete(mm, id)
		}
	}
	b.handlers[eventType][id] = s
	return s, nil
}

func (b *inMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[string]*subscription)
	return nil
}
