// Package replication implements delta replication of object state between
// peers: the sender batches changed components into prioritized groups under
// a bandwidth budget, the receiver applies them behind authority and
// entity-translation checks.
package replication

import (
	"errors"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/pkg/encoding"
)

// GroupID identifies a replication group. By default it is derived from an
// object's handle; objects that must arrive together atomically are given
// the same explicit id.
type GroupID uint64

// GroupKind distinguishes what a group record carries.
type GroupKind uint8

const (
	GroupSpawn GroupKind = iota + 1
	GroupUpdate
	GroupDespawn
)

func (k GroupKind) String() string {
	switch k {
	case GroupSpawn:
		return "spawn"
	case GroupUpdate:
		return "update"
	case GroupDespawn:
		return "despawn"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedMessage = errors.New("replication: malformed message")
)

// ComponentRecord is one typed payload on the wire.
type ComponentRecord struct {
	Kind    component.Kind
	Payload []byte
}

// ObjectRecord carries one object's changed components. The handle is in the
// sender's namespace; the receiver translates it through the entity map.
type ObjectRecord struct {
	Handle     entity.Handle
	Components []ComponentRecord
}

// GroupRecord is the atomic delivery unit: every object of the group
// mentioned in a message travels in that same message.
type GroupRecord struct {
	ID      GroupID
	Kind    GroupKind
	Objects []ObjectRecord
}

// AuthorityRecord announces an authority change for one object.
type AuthorityRecord struct {
	Handle entity.Handle
	Holder authority.Peer
	At     tick.Tick
}

// Message is one replication message: a tick stamp plus an ordered list of
// group records and authority changes.
type Message struct {
	Tick      tick.Tick
	Groups    []GroupRecord
	Authority []AuthorityRecord
}

var _ encoding.Serializable = (*Message)(nil)

func (m *Message) Marshal(w *encoding.Writer) {
	w.Uvarint(uint64(m.Tick))
	w.Uvarint(uint64(len(m.Groups)))
	for _, g := range m.Groups {
		w.Uvarint(uint64(g.ID))
		w.Uint8(uint8(g.Kind))
		w.Uvarint(uint64(len(g.Objects)))
		for _, o := range g.Objects {
			w.Uvarint(uint64(o.Handle))
			w.Uvarint(uint64(len(o.Components)))
			for _, c := range o.Components {
				w.Uint16(uint16(c.Kind))
				w.Blob(c.Payload)
			}
		}
	}
	w.Uvarint(uint64(len(m.Authority)))
	for _, a := range m.Authority {
		w.Uvarint(uint64(a.Handle))
		w.Uint8(uint8(a.Holder.Kind))
		w.Uvarint(uint64(a.Holder.Client))
		w.Uvarint(uint64(a.At))
	}
}

func (m *Message) Unmarshal(r *encoding.Reader) error {
	m.Tick = tick.Tick(r.Uvarint())
	groupCount := r.Uvarint()
	if groupCount > 1<<16 {
		return ErrMalformedMessage
	}
	m.Groups = make([]GroupRecord, 0, groupCount)
	for i := uint64(0); i < groupCount && r.Err() == nil; i++ {
		g := GroupRecord{
			ID:   GroupID(r.Uvarint()),
			Kind: GroupKind(r.Uint8()),
		}
		objCount := r.Uvarint()
		if objCount > 1<<16 {
			return ErrMalformedMessage
		}
		g.Objects = make([]ObjectRecord, 0, objCount)
		for j := uint64(0); j < objCount && r.Err() == nil; j++ {
			o := ObjectRecord{Handle: entity.Handle(r.Uvarint())}
			compCount := r.Uvarint()
			if compCount > 1<<12 {
				return ErrMalformedMessage
			}
			o.Components = make([]ComponentRecord, 0, compCount)
			for c := uint64(0); c < compCount && r.Err() == nil; c++ {
				o.Components = append(o.Components, ComponentRecord{
					Kind:    component.Kind(r.Uint16()),
					Payload: r.Blob(),
				})
			}
			g.Objects = append(g.Objects, o)
		}
		m.Groups = append(m.Groups, g)
	}
	authCount := r.Uvarint()
	if authCount > 1<<16 {
		return ErrMalformedMessage
	}
	m.Authority = make([]AuthorityRecord, 0, authCount)
	for i := uint64(0); i < authCount && r.Err() == nil; i++ {
		m.Authority = append(m.Authority, AuthorityRecord{
			Handle: entity.Handle(r.Uvarint()),
			Holder: authority.Peer{
				Kind:   authority.PeerKind(r.Uint8()),
				Client: authority.ClientID(r.Uvarint()),
			},
			At: tick.Tick(r.Uvarint()),
		})
	}
	if r.Err() != nil {
		return ErrMalformedMessage
	}
	return nil
}

// EncodedSize returns the serialized size of the message, used by the
// sender's bandwidth budgeting before committing to a send.
func (m *Message) EncodedSize() int {
	w := encoding.NewWriter(256)
	m.Marshal(w)
	return w.Len()
}
