package replication

import (
	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
)

// Event types raised by the receiver.
const (
	EventSpawned      = "replication.spawned"
	EventDespawned    = "replication.despawned"
	EventUpdated      = "replication.updated"
	EventRefDropped   = "replication.ref_dropped"
	EventAuthoritySet = "replication.authority"
)

// RefDroppedEvent is the payload of EventRefDropped, raised when a component
// referencing an unmapped remote handle times out of the retry window.
type RefDroppedEvent struct {
	Handle entity.Handle
	Kind   component.Kind
	Tick   tick.Tick
}

// ReceiverConfig holds the inbound replication knobs.
type ReceiverConfig struct {
	// RefRetryTicks bounds how long a component referencing a not yet
	// mapped remote handle is held before it is dropped. Covers the gap
	// where an update arrives ahead of the spawn it depends on.
	RefRetryTicks uint64 `yaml:"ref_retry_ticks"`
}

// DefaultReceiverConfig returns the default inbound replication settings.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{RefRetryTicks: 64}
}

// pendingComponent is a component payload parked until the remote handles it
// references become translatable.
type pendingComponent struct {
	local   entity.Handle
	kind    component.Kind
	payload []byte
	at      tick.Tick
	expires tick.Tick
}

// Receiver applies replication messages from one remote peer to the local
// store. It owns the handle translation for that peer, gates writes through
// the authority manager, and holds components with dangling handle
// references for a bounded retry window.
type Receiver struct {
	cfg    ReceiverConfig
	log    log.Log
	store  *world.Store
	auth   *authority.Manager
	reg    *component.Registry
	peer   authority.Peer
	emap   *EntityMap
	events bus.EventBus

	// last applied tick per component, to discard stale reordered updates
	applied map[entity.Handle]map[component.Kind]tick.Tick
	pending []pendingComponent

	onSpawn func(local entity.Handle, at tick.Tick)
}

// NewReceiver creates a receiver for messages originated by the given peer.
func NewReceiver(cfg ReceiverConfig, peer authority.Peer, store *world.Store, auth *authority.Manager, reg *component.Registry, events bus.EventBus, logger log.Log) *Receiver {
	return &Receiver{
		cfg:     cfg,
		log:     logger.With(log.String("component", "replication_receiver"), log.String("peer", peer.String())),
		store:   store,
		auth:    auth,
		reg:     reg,
		peer:    peer,
		emap:    NewEntityMap(),
		events:  events,
		applied: make(map[entity.Handle]map[component.Kind]tick.Tick),
	}
}

// Map exposes the handle translation for this peer. The session uses it to
// translate handles in authority requests and input payloads.
func (r *Receiver) Map() *EntityMap { return r.emap }

// SetSpawnHook registers a callback invoked for every entity this peer
// spawns locally, before its components are applied.
func (r *Receiver) SetSpawnHook(fn func(local entity.Handle, at tick.Tick)) {
	r.onSpawn = fn
}

// Apply processes one decoded replication message.
func (r *Receiver) Apply(msg *Message) {
	for _, g := range msg.Groups {
		switch g.Kind {
		case GroupSpawn:
			r.applySpawn(g, msg.Tick)
		case GroupDespawn:
			r.applyDespawn(g)
		case GroupUpdate:
			r.applyUpdate(g, msg.Tick)
		default:
			r.log.Warn("unknown group kind", log.Uint8("kind", uint8(g.Kind)))
		}
	}
	for _, a := range msg.Authority {
		r.applyAuthority(a)
	}
}

// Tick retries parked components and expires the ones past their window.
// Call once per simulation tick after all inbound messages are applied.
func (r *Receiver) Tick(now tick.Tick) {
	if len(r.pending) == 0 {
		return
	}
	kept := r.pending[:0]
	for _, p := range r.pending {
		if !r.store.Alive(p.local) {
			continue
		}
		if r.writeComponent(p.local, p.kind, p.payload, p.at) {
			continue
		}
		if tick.Delta(now, p.expires) >= 0 {
			r.log.Warn("dropping component with unresolved reference",
				log.String("handle", p.local.String()),
				log.Uint16("kind", uint16(p.kind)))
			r.publish(EventRefDropped, RefDroppedEvent{Handle: p.local, Kind: p.kind, Tick: p.at})
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept
}

// Teardown releases everything learned from this peer: pending components,
// handle translations and the per-component tick history. The entities
// themselves stay in the store; despawning them is a session policy.
func (r *Receiver) Teardown() {
	r.pending = nil
	r.emap.Clear()
	r.applied = make(map[entity.Handle]map[component.Kind]tick.Tick)
}

func (r *Receiver) applySpawn(g GroupRecord, at tick.Tick) {
	for _, obj := range g.Objects {
		local, known := r.emap.Local(obj.Handle)
		if !known || !r.store.Alive(local) {
			local = r.store.Spawn()
			r.emap.Insert(obj.Handle, local)
			r.auth.Track(local, r.peer, at)
			if r.onSpawn != nil {
				r.onSpawn(local, at)
			}
			r.publish(EventSpawned, SpawnedEvent{Handle: local, Remote: obj.Handle, Tick: at})
		}
		// A re-spawn of a known handle is a full state refresh, sent
		// after authority or visibility changes.
		for _, c := range obj.Components {
			r.queueOrWrite(local, c, at)
		}
	}
}

func (r *Receiver) applyDespawn(g GroupRecord) {
	for _, obj := range g.Objects {
		local, known := r.emap.Local(obj.Handle)
		if !known {
			// Our handles round-trip unchanged when the peer despawns an
			// object it learned from us. Still gated by authority.
			local = obj.Handle
			if !r.store.Alive(local) || !r.auth.CanApplyRemote(local, r.peer) {
				continue
			}
		}
		r.emap.RemoveByRemote(obj.Handle)
		delete(r.applied, local)
		r.auth.Release(local)
		if r.store.Alive(local) {
			if err := r.store.Despawn(local); err != nil {
				r.log.Error("despawn failed", log.String("handle", local.String()), log.Error(err))
			}
		}
		r.publish(EventDespawned, DespawnedEvent{Handle: local, Remote: obj.Handle})
	}
}

func (r *Receiver) applyUpdate(g GroupRecord, at tick.Tick) {
	for _, obj := range g.Objects {
		local, known := r.emap.Local(obj.Handle)
		if !known {
			// Updates for objects the peer learned from us carry our own
			// handles; any other unmapped handle is an update that raced
			// ahead of its spawn and is dropped here, since the spawn will
			// arrive on the reliable channel.
			local = obj.Handle
		}
		if !r.store.Alive(local) {
			continue
		}
		if !r.auth.CanApplyRemote(local, r.peer) {
			continue
		}
		for _, c := range obj.Components {
			r.queueOrWrite(local, c, at)
		}
	}
}

func (r *Receiver) applyAuthority(a AuthorityRecord) {
	local, known := r.emap.Local(a.Handle)
	if !known {
		local = a.Handle
		// Authority over an unmapped handle can only refer to a local
		// object the peer learned from us; our handles round-trip
		// unchanged in that direction.
		if !r.store.Alive(local) {
			return
		}
	}
	if r.auth.Apply(local, a.Holder, a.At) {
		r.publish(EventAuthoritySet, AuthorityAppliedEvent{Handle: local, Holder: a.Holder, Tick: a.At})
	}
}

func (r *Receiver) queueOrWrite(local entity.Handle, c ComponentRecord, at tick.Tick) {
	if r.writeComponent(local, c.Kind, c.Payload, at) {
		return
	}
	r.pending = append(r.pending, pendingComponent{
		local:   local,
		kind:    c.Kind,
		payload: c.Payload,
		at:      at,
		expires: at + tick.Tick(r.cfg.RefRetryTicks),
	})
}

// writeComponent translates any handle references inside the payload and
// writes it to the store. Returns false when a referenced remote handle is
// not mapped yet, in which case nothing is written. Stale payloads, older
// than what is already applied, report success without writing.
func (r *Receiver) writeComponent(local entity.Handle, k component.Kind, payload []byte, at tick.Tick) bool {
	ticks := r.applied[local]
	if ticks == nil {
		ticks = make(map[component.Kind]tick.Tick)
		r.applied[local] = ticks
	}
	if prev, ok := ticks[k]; ok && tick.Delta(at, prev) < 0 {
		return true
	}

	data := payload
	if _, registered := r.reg.Lookup(k); registered {
		val, err := r.reg.Decode(k, payload)
		if err != nil {
			r.log.Warn("undecodable component payload",
				log.Uint16("kind", uint16(k)), log.Error(err))
			return true // malformed, retrying will not help
		}
		if mapper, ok := val.(component.HandleMapper); ok {
			complete := mapper.MapHandles(func(remote entity.Handle) (entity.Handle, bool) {
				if mapped, ok := r.emap.Local(remote); ok {
					return mapped, true
				}
				// References to objects the peer learned from us come
				// back in our own namespace.
				if r.store.Alive(remote) {
					return remote, true
				}
				return entity.Nil, false
			})
			if !complete {
				return false
			}
			mapped, err := r.reg.Encode(val)
			if err != nil {
				r.log.Error("re-encode after handle mapping failed",
					log.Uint16("kind", uint16(k)), log.Error(err))
				return true
			}
			data = mapped
		}
	}

	if err := r.store.SetComponent(local, k, data); err != nil {
		r.log.Error("component write failed",
			log.String("handle", local.String()), log.Uint16("kind", uint16(k)), log.Error(err))
		return true
	}
	ticks[k] = at
	r.publish(EventUpdated, UpdatedEvent{Handle: local, Kind: k, Tick: at})
	return true
}

func (r *Receiver) publish(typ string, data any) {
	if r.events != nil {
		_ = r.events.Publish(bus.NewEvent(typ, "replication", data))
	}
}

// SpawnedEvent is the payload of EventSpawned.
type SpawnedEvent struct {
	Handle entity.Handle
	Remote entity.Handle
	Tick   tick.Tick
}

// DespawnedEvent is the payload of EventDespawned.
type DespawnedEvent struct {
	Handle entity.Handle
	Remote entity.Handle
}

// UpdatedEvent is the payload of EventUpdated.
type UpdatedEvent struct {
	Handle entity.Handle
	Kind   component.Kind
	Tick   tick.Tick
}

// AuthorityAppliedEvent is the payload of EventAuthoritySet.
type AuthorityAppliedEvent struct {
	Handle entity.Handle
	Holder authority.Peer
	Tick   tick.Tick
}
