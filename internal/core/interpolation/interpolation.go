package interpolation

import (
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
)

// snapshot is one confirmed component value with the tick it was
// confirmed for.
type snapshot struct {
	at      tick.Tick
	payload []byte
}

// pair keeps exactly the two snapshots interpolation needs: the one at or
// before the render position and the one after it. Older history is of no
// use for a linear blend and is dropped on arrival.
type pair struct {
	older snapshot
	newer snapshot
}

// Buffer holds confirmed snapshots for remote entities and produces values
// at a fractional render position between them. Entities under interpolation
// render slightly in the past, where two confirmed snapshots bracket the
// render position, instead of guessing ahead.
//
// Not safe for concurrent use; everything runs on the simulation goroutine.
type Buffer struct {
	log   log.Log
	reg   *component.Registry
	slots map[entity.Handle]map[component.Kind]*pair
}

// NewBuffer creates an interpolation buffer over the component registry.
func NewBuffer(reg *component.Registry, logger log.Log) *Buffer {
	return &Buffer{
		log:   logger.With(log.String("component", "interpolation")),
		reg:   reg,
		slots: make(map[entity.Handle]map[component.Kind]*pair),
	}
}

// Seed initialises both snapshots from the spawn-time value, so the entity
// renders at its spawn state until a second snapshot arrives.
func (b *Buffer) Seed(h entity.Handle, k component.Kind, payload []byte, at tick.Tick) {
	byKind := b.slots[h]
	if byKind == nil {
		byKind = make(map[component.Kind]*pair)
		b.slots[h] = byKind
	}
	s := snapshot{at: at, payload: payload}
	byKind[k] = &pair{older: s, newer: s}
}

// Push records a newly confirmed value. Snapshots older than what is held
// are dropped; a newer one shifts the window forward.
func (b *Buffer) Push(h entity.Handle, k component.Kind, payload []byte, at tick.Tick) {
	byKind := b.slots[h]
	if byKind == nil {
		b.Seed(h, k, payload, at)
		return
	}
	p, ok := byKind[k]
	if !ok {
		b.Seed(h, k, payload, at)
		return
	}
	if tick.Delta(at, p.newer.at) <= 0 {
		return
	}
	p.older = p.newer
	p.newer = snapshot{at: at, payload: payload}
}

// Forget drops everything held for an entity. Called on despawn.
func (b *Buffer) Forget(h entity.Handle) {
	delete(b.slots, h)
}

// At returns the component value at the given render position, expressed as
// a base tick plus a fractional part in [0,1). The blend factor is clamped,
// so a render position outside the held window pins to the nearest
// snapshot rather than extrapolating.
func (b *Buffer) At(h entity.Handle, k component.Kind, t tick.Tick, frac float64) (component.Value, bool) {
	byKind := b.slots[h]
	if byKind == nil {
		return nil, false
	}
	p, ok := byKind[k]
	if !ok {
		return nil, false
	}

	from, err := b.reg.Decode(k, p.older.payload)
	if err != nil {
		b.log.Warn("undecodable snapshot", log.Uint16("kind", uint16(k)), log.Error(err))
		return nil, false
	}
	lerper, canLerp := from.(component.Interpolatable)
	span := tick.Delta(p.newer.at, p.older.at)
	if !canLerp || span <= 0 {
		// Non-interpolatable values step to the newer snapshot once the
		// render position passes it.
		if tick.Delta(t, p.newer.at) >= 0 {
			return b.decode(k, p.newer.payload)
		}
		return from, true
	}

	to, err := b.reg.Decode(k, p.newer.payload)
	if err != nil {
		return nil, false
	}
	u := (float64(tick.Delta(t, p.older.at)) + frac) / float64(span)
	if u < 0 {
		u = 0
	} else if u > 1 {
		u = 1
	}
	return lerper.Lerp(to, u), true
}

func (b *Buffer) decode(k component.Kind, payload []byte) (component.Value, bool) {
	v, err := b.reg.Decode(k, payload)
	if err != nil {
		return nil, false
	}
	return v, true
}
