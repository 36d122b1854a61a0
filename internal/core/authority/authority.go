// Package authority tracks, per object, which peer may originate
// authoritative state updates. The per-object record is the single source of
// truth consulted before any network-originated mutation, which is what lets
// the rest of the core run lock-free under the one-writer-per-tick
// discipline.
package authority

import (
	"errors"
	"fmt"

	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/tick"
)

// EventChanged is raised whenever an object's authority record changes.
const EventChanged = "authority.changed"

// ChangedEvent is the payload of EventChanged.
type ChangedEvent struct {
	Handle entity.Handle
	Peer   Peer
	Local  bool
}

// ClientID identifies a connected client peer.
type ClientID uint64

// PeerKind enumerates who can hold authority.
type PeerKind uint8

const (
	PeerNone PeerKind = iota
	PeerServer
	PeerClient
)

// Peer names the holder of authority for one object.
type Peer struct {
	Kind   PeerKind
	Client ClientID
}

var (
	// NoPeer means nobody simulates the object; updates from anyone are
	// rejected until authority is assigned.
	NoPeer = Peer{Kind: PeerNone}
	// ServerPeer is the default authority for replicated objects.
	ServerPeer = Peer{Kind: PeerServer}
)

// ClientPeer names a specific client as authority holder.
func ClientPeer(id ClientID) Peer {
	return Peer{Kind: PeerClient, Client: id}
}

func (p Peer) String() string {
	switch p.Kind {
	case PeerNone:
		return "none"
	case PeerServer:
		return "server"
	case PeerClient:
		return fmt.Sprintf("client(%d)", p.Client)
	default:
		return "invalid"
	}
}

var ErrUntracked = errors.New("authority: object is not tracked")

type record struct {
	peer        Peer
	hasLocal    bool
	confirmedAt tick.Tick
}

// Manager holds the authority records of one peer process.
type Manager struct {
	self    Peer // who "local" is: ServerPeer on the server, ClientPeer(id) on a client
	records map[entity.Handle]*record
	events  bus.EventBus
}

// NewManager creates a manager. self identifies the local peer.
func NewManager(self Peer, events bus.EventBus) *Manager {
	return &Manager{
		self:    self,
		records: make(map[entity.Handle]*record),
		events:  events,
	}
}

// Self returns the local peer identity.
func (m *Manager) Self() Peer { return m.self }

// Track starts tracking an object with the given initial holder.
func (m *Manager) Track(h entity.Handle, holder Peer, at tick.Tick) {
	r := &record{peer: holder, hasLocal: holder == m.self, confirmedAt: at}
	m.records[h] = r
	m.publish(h, r)
}

// Release forgets an object. Shares the object's lifetime: called on
// despawn and on connection teardown for remotely-owned objects.
func (m *Manager) Release(h entity.Handle) {
	delete(m.records, h)
}

// Holder returns the authority record for an object.
func (m *Manager) Holder(h entity.Handle) (Peer, bool) {
	r, ok := m.records[h]
	if !ok {
		return NoPeer, false
	}
	return r.peer, true
}

// HasLocal reports whether the local peer may originate updates for h.
func (m *Manager) HasLocal(h entity.Handle) bool {
	r, ok := m.records[h]
	return ok && r.hasLocal
}

// ConfirmedAt returns the tick at which the current record was confirmed.
func (m *Manager) ConfirmedAt(h entity.Handle) (tick.Tick, bool) {
	r, ok := m.records[h]
	if !ok {
		return 0, false
	}
	return r.confirmedAt, true
}

// CanApplyRemote reports whether an inbound update for h sent by sender may
// be written to the store. Updates from anyone other than the holder of
// record are discarded, which is what stops a demoted controller's stale
// updates from clobbering the promoted one; the server is always accepted
// because it relays state on behalf of the holder. A local holder ignores
// remote updates entirely.
func (m *Manager) CanApplyRemote(h entity.Handle, sender Peer) bool {
	r, ok := m.records[h]
	if !ok {
		return false
	}
	if r.hasLocal {
		return false
	}
	return r.peer == sender || sender.Kind == PeerServer
}

// Apply records an authority change confirmed at the given tick.
//
// When a transfer races a conflicting local claim, whichever change carries
// the later confirmation tick wins; an equal tick favors the incoming
// change. During the race window a local write may be briefly accepted and
// then overridden once the transfer is observed. Latest-confirmed-wins was
// chosen over first-writer-wins because it converges regardless of the
// order the two peers observe the messages.
func (m *Manager) Apply(h entity.Handle, holder Peer, at tick.Tick) bool {
	r, ok := m.records[h]
	if !ok {
		m.Track(h, holder, at)
		return true
	}
	if tick.Delta(at, r.confirmedAt) < 0 {
		return false // stale change, a newer one is already confirmed
	}
	r.peer = holder
	r.hasLocal = holder == m.self
	r.confirmedAt = at
	m.publish(h, r)
	return true
}

// HeldBy calls fn for every tracked handle whose holder of record is p.
// The server uses it on disconnect to find what a departed client owned.
func (m *Manager) HeldBy(p Peer, fn func(h entity.Handle)) {
	for h, r := range m.records {
		if r.peer == p {
			fn(h)
		}
	}
}

// Objects returns every tracked handle for which the local peer holds
// authority. Used by the replication sender to decide what it may originate.
func (m *Manager) Objects(fn func(h entity.Handle)) {
	for h, r := range m.records {
		if r.hasLocal {
			fn(h)
		}
	}
}

func (m *Manager) publish(h entity.Handle, r *record) {
	if m.events != nil {
		_ = m.events.Publish(bus.NewEvent(EventChanged, "authority", ChangedEvent{
			Handle: h,
			Peer:   r.peer,
			Local:  r.hasLocal,
		}))
	}
}
