package session

import (
	"errors"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/pkg/encoding"
)

// Channel layout. Time sync and inputs ride unreliable channels; spawns,
// despawns and authority changes need the reliable ordered one.
const (
	ChannelTime    link.ChannelID = 0
	ChannelActions link.ChannelID = 1
	ChannelUpdates link.ChannelID = 2
	ChannelInput   link.ChannelID = 3
)

// msgKind is the one-byte tag in front of every channel payload.
type msgKind uint8

const (
	kindHello msgKind = iota + 1
	kindWelcome
	kindPing
	kindPong
	kindReplication
	kindInput
	kindAuthorityRequest
)

var errUnknownKind = errors.New("session: unknown message kind")

// protocolVersion guards against mismatched builds talking to each other.
const protocolVersion uint16 = 1

// hello is the client's first message.
type hello struct {
	Version uint16
}

func (h hello) marshal(w *encoding.Writer) {
	w.Uint8(uint8(kindHello))
	w.Uint16(h.Version)
}

func (h *hello) unmarshal(r *encoding.Reader) error {
	h.Version = r.Uint16()
	return r.Err()
}

// welcome is the server's reply, pinning the client's identity and the
// simulation rate.
type welcome struct {
	ClientID authority.ClientID
	TickRate uint16
}

func (m welcome) marshal(w *encoding.Writer) {
	w.Uint8(uint8(kindWelcome))
	w.Uvarint(uint64(m.ClientID))
	w.Uint16(m.TickRate)
}

func (m *welcome) unmarshal(r *encoding.Reader) error {
	m.ClientID = authority.ClientID(r.Uvarint())
	m.TickRate = r.Uint16()
	return r.Err()
}

// authorityRequest asks the server to move authority over a handle. The
// handle is in the requester's namespace; the server translates it.
type authorityRequest struct {
	Handle uint64
	// Target is who should hold authority afterwards.
	Target authority.Peer
}

func (m authorityRequest) marshal(w *encoding.Writer) {
	w.Uint8(uint8(kindAuthorityRequest))
	w.Uvarint(m.Handle)
	w.Uint8(uint8(m.Target.Kind))
	w.Uvarint(uint64(m.Target.Client))
}

func (m *authorityRequest) unmarshal(r *encoding.Reader) error {
	m.Handle = r.Uvarint()
	m.Target.Kind = authority.PeerKind(r.Uint8())
	m.Target.Client = authority.ClientID(r.Uvarint())
	return r.Err()
}
