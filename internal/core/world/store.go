// Package world holds the shared object store: an arena of replicable
// objects addressed by handle, carrying raw component payloads. The store is
// mutated only from the tick-processing goroutine; handlers that need to
// change structure mid-tick defer a command instead (see commands.go).
package world

import (
	"errors"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
)

// Event types raised by the store.
const (
	EventSpawned          = "world.spawned"
	EventDespawned        = "world.despawned"
	EventComponentChanged = "world.component_changed"
	EventComponentRemoved = "world.component_removed"
)

// SpawnedEvent is the payload of EventSpawned.
type SpawnedEvent struct {
	Handle entity.Handle
}

// DespawnedEvent is the payload of EventDespawned.
type DespawnedEvent struct {
	Handle entity.Handle
}

// ComponentEvent is the payload of component change and removal events.
type ComponentEvent struct {
	Handle entity.Handle
	Kind   component.Kind
}

var (
	ErrDeadHandle = errors.New("world: handle does not address a live object")
)

type slot struct {
	generation uint32
	alive      bool
	components map[component.Kind][]byte
}

// Store is the arena object store.
type Store struct {
	slots    []slot
	free     []uint32
	alive    int
	events   bus.EventBus
	commands commandQueue
}

// NewStore creates an empty store publishing change notifications to b.
func NewStore(b bus.EventBus) *Store {
	return &Store{events: b}
}

// Spawn allocates a new live object and returns its handle. Slot reuse bumps
// the generation so stale handles never alias the new object.
func (s *Store) Spawn() entity.Handle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		// Slot 0 is reserved so the nil handle stays invalid.
		if len(s.slots) == 0 {
			s.slots = append(s.slots, slot{})
		}
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[idx]
	sl.alive = true
	sl.components = make(map[component.Kind][]byte)
	s.alive++
	h := entity.NewHandle(idx, sl.generation)
	s.publish(EventSpawned, SpawnedEvent{Handle: h})
	return h
}

// Despawn removes an object. The slot is recycled with a new generation.
func (s *Store) Despawn(h entity.Handle) error {
	sl := s.lookup(h)
	if sl == nil {
		return ErrDeadHandle
	}
	sl.alive = false
	sl.components = nil
	sl.generation++
	s.free = append(s.free, h.Slot())
	s.alive--
	s.publish(EventDespawned, DespawnedEvent{Handle: h})
	return nil
}

// Alive reports whether h addresses a live object.
func (s *Store) Alive(h entity.Handle) bool {
	return s.lookup(h) != nil
}

// Len returns the number of live objects.
func (s *Store) Len() int { return s.alive }

// SetComponent writes one component payload.
func (s *Store) SetComponent(h entity.Handle, k component.Kind, data []byte) error {
	sl := s.lookup(h)
	if sl == nil {
		return ErrDeadHandle
	}
	sl.components[k] = data
	s.publish(EventComponentChanged, ComponentEvent{Handle: h, Kind: k})
	return nil
}

// Component reads one component payload.
func (s *Store) Component(h entity.Handle, k component.Kind) ([]byte, bool) {
	sl := s.lookup(h)
	if sl == nil {
		return nil, false
	}
	data, ok := sl.components[k]
	return data, ok
}

// RemoveComponent deletes one component from an object.
func (s *Store) RemoveComponent(h entity.Handle, k component.Kind) error {
	sl := s.lookup(h)
	if sl == nil {
		return ErrDeadHandle
	}
	if _, ok := sl.components[k]; !ok {
		return nil
	}
	delete(sl.components, k)
	s.publish(EventComponentRemoved, ComponentEvent{Handle: h, Kind: k})
	return nil
}

// Kinds lists the component kinds present on an object.
func (s *Store) Kinds(h entity.Handle) []component.Kind {
	sl := s.lookup(h)
	if sl == nil {
		return nil
	}
	out := make([]component.Kind, 0, len(sl.components))
	for k := range sl.components {
		out = append(out, k)
	}
	return out
}

// Snapshot copies an object's full component set.
func (s *Store) Snapshot(h entity.Handle) map[component.Kind][]byte {
	sl := s.lookup(h)
	if sl == nil {
		return nil
	}
	out := make(map[component.Kind][]byte, len(sl.components))
	for k, v := range sl.components {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// ForEach visits every live object.
func (s *Store) ForEach(fn func(h entity.Handle)) {
	for idx := range s.slots {
		sl := &s.slots[idx]
		if sl.alive {
			fn(entity.NewHandle(uint32(idx), sl.generation))
		}
	}
}

func (s *Store) lookup(h entity.Handle) *slot {
	idx := h.Slot()
	if idx == 0 || int(idx) >= len(s.slots) {
		return nil
	}
	sl := &s.slots[idx]
	if !sl.alive || sl.generation != h.Generation() {
		return nil
	}
	return sl
}

func (s *Store) publish(typ string, data any) {
	if s.events != nil {
		_ = s.events.Publish(bus.NewEvent(typ, "world", data))
	}
}
