package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
	"github.com/syncline/syncline/pkg/encoding"
)

// pairHarness wires a server-side sender to a client-side receiver through
// the wire codec, with no link or transport in between.
type pairHarness struct {
	serverStore *world.Store
	serverAuth  *authority.Manager
	sender      *Sender

	clientStore *world.Store
	clientAuth  *authority.Manager
	clientBus   bus.EventBus
	receiver    *Receiver

	reg *component.Registry
}

func newPair(t *testing.T, scfg SenderConfig) *pairHarness {
	t.Helper()
	reg := component.NewDefaultRegistry()

	serverBus := bus.New()
	clientBus := bus.New()
	t.Cleanup(func() { _ = serverBus.Close(); _ = clientBus.Close() })

	h := &pairHarness{
		serverStore: world.NewStore(serverBus),
		clientStore: world.NewStore(clientBus),
		clientBus:   clientBus,
		reg:         reg,
	}
	h.serverAuth = authority.NewManager(authority.ServerPeer, serverBus)
	h.clientAuth = authority.NewManager(authority.ClientPeer(1), clientBus)
	h.sender = NewSender(scfg, h.serverStore, h.serverAuth, log.NewNop())
	h.receiver = NewReceiver(DefaultReceiverConfig(), authority.ServerPeer,
		h.clientStore, h.clientAuth, reg, clientBus, log.NewNop())
	return h
}

func (h *pairHarness) label(t *testing.T, text string) []byte {
	t.Helper()
	payload, err := h.reg.Encode(&component.Label{Text: text})
	require.NoError(t, err)
	return payload
}

// spawnServer creates a server-authoritative entity with a label payload.
func (h *pairHarness) spawnServer(t *testing.T, text string) entity.Handle {
	t.Helper()
	obj := h.serverStore.Spawn()
	h.serverAuth.Track(obj, authority.ServerPeer, 0)
	require.NoError(t, h.serverStore.SetComponent(obj, component.KindLabel, h.label(t, text)))
	return obj
}

// deliver round-trips every outbound message through the codec into the
// receiver, as the link would.
func (h *pairHarness) deliver(t *testing.T, outs []Outbound) {
	t.Helper()
	for _, out := range outs {
		var m Message
		require.NoError(t, encoding.Unmarshal(encoding.Marshal(&out.Message), &m))
		h.receiver.Apply(&m)
	}
}

func TestSpawnReplicates(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "crate")

	outs := h.sender.Tick(1)
	require.NotEmpty(t, outs)
	assert.True(t, outs[0].Reliable, "spawns travel reliably")
	h.deliver(t, outs)

	local, ok := h.receiver.Map().Local(obj)
	require.True(t, ok)
	assert.True(t, h.clientStore.Alive(local))

	data, ok := h.clientStore.Component(local, component.KindLabel)
	require.True(t, ok)
	assert.Equal(t, h.label(t, "crate"), data)

	// Authority of a fresh replicated object follows the sender.
	holder, ok := h.clientAuth.Holder(local)
	require.True(t, ok)
	assert.Equal(t, authority.ServerPeer, holder)

	// Nothing new: the next tick is silent.
	assert.Empty(t, h.sender.Tick(2))
}

func TestUpdateReplicates(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "v1")
	h.deliver(t, h.sender.Tick(1))

	require.NoError(t, h.serverStore.SetComponent(obj, component.KindLabel, h.label(t, "v2")))
	h.sender.MarkChanged(obj, component.KindLabel, 2)

	outs := h.sender.Tick(2)
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Reliable, "updates travel unreliably")
	h.deliver(t, outs)

	local, _ := h.receiver.Map().Local(obj)
	data, _ := h.clientStore.Component(local, component.KindLabel)
	assert.Equal(t, h.label(t, "v2"), data)
}

func TestStaleUpdateIgnored(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "fresh")
	h.deliver(t, h.sender.Tick(5))

	local, _ := h.receiver.Map().Local(obj)

	// A reordered update stamped before what is already applied is dropped.
	stale := &Message{Tick: 2, Groups: []GroupRecord{{
		ID: GroupID(obj), Kind: GroupUpdate,
		Objects: []ObjectRecord{{
			Handle:     obj,
			Components: []ComponentRecord{{Kind: component.KindLabel, Payload: h.label(t, "old")}},
		}},
	}}}
	h.receiver.Apply(stale)

	data, _ := h.clientStore.Component(local, component.KindLabel)
	assert.Equal(t, h.label(t, "fresh"), data)
}

func TestDespawnReplicates(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "doomed")
	h.deliver(t, h.sender.Tick(1))
	local, ok := h.receiver.Map().Local(obj)
	require.True(t, ok)

	require.NoError(t, h.serverStore.Despawn(obj))
	h.deliver(t, h.sender.Tick(2))

	assert.False(t, h.clientStore.Alive(local))
	_, ok = h.receiver.Map().Local(obj)
	assert.False(t, ok)
}

func TestGroupTravelsAtomically(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	a := h.spawnServer(t, "body")
	b := h.spawnServer(t, "shadow")
	h.sender.SetGroup(a, 500, 1.0)
	h.sender.SetGroup(b, 500, 1.0)
	h.deliver(t, h.sender.Tick(1))

	require.NoError(t, h.serverStore.SetComponent(a, component.KindLabel, h.label(t, "body2")))
	require.NoError(t, h.serverStore.SetComponent(b, component.KindLabel, h.label(t, "shadow2")))
	h.sender.MarkChanged(a, component.KindLabel, 2)
	h.sender.MarkChanged(b, component.KindLabel, 2)

	outs := h.sender.Tick(2)
	require.Len(t, outs, 1)
	require.Len(t, outs[0].Message.Groups, 1, "one group record carries both objects")
	assert.Len(t, outs[0].Message.Groups[0].Objects, 2)
}

func TestPriorityAgingUnderBudget(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.BandwidthCapEnabled = true
	cfg.BandwidthCap = 70 // fits one small group per tick
	cfg.TickRate = 1
	h := newPair(t, cfg)

	a := h.spawnServer(t, string(make([]byte, 40)))
	b := h.spawnServer(t, string(make([]byte, 40)))
	// Explicit groups pin the scheduling order for equal priorities.
	h.sender.SetGroup(a, 1001, 1.0)
	h.sender.SetGroup(b, 1002, 1.0)
	h.deliver(t, h.sender.Tick(1))

	mark := func(at tick.Tick) {
		h.sender.MarkChanged(a, component.KindLabel, at)
		h.sender.MarkChanged(b, component.KindLabel, at)
	}

	mark(2)
	outs := h.sender.Tick(2)
	require.Len(t, outs, 1)
	require.Len(t, outs[0].Message.Groups, 1)
	first := outs[0].Message.Groups[0].Objects[0].Handle
	assert.Equal(t, a, first, "equal priorities send in insertion order")

	// The starved group aged past the freshly reset one and goes first now,
	// even though both have pending changes again.
	h.sender.MarkChanged(a, component.KindLabel, 3)
	outs = h.sender.Tick(3)
	require.Len(t, outs, 1)
	require.Len(t, outs[0].Message.Groups, 1)
	assert.Equal(t, b, outs[0].Message.Groups[0].Objects[0].Handle)
}

func TestSendUpdatesSinceLastAck(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.SendUpdatesSinceLastAck = true
	h := newPair(t, cfg)

	obj := h.spawnServer(t, "v1")
	h.deliver(t, h.sender.Tick(1))

	require.NoError(t, h.serverStore.SetComponent(obj, component.KindLabel, h.label(t, "v2")))
	h.sender.MarkChanged(obj, component.KindLabel, 2)

	outs := h.sender.Tick(2)
	require.Len(t, outs, 1)
	h.sender.RecordSent(outs[0], 100)

	// Unacked: the same change is sent again next tick.
	outs = h.sender.Tick(3)
	require.Len(t, outs, 1)
	h.sender.RecordSent(outs[0], 101)

	// Acked: resending stops.
	h.sender.HandleAcks([]link.MessageID{100, 101})
	assert.Empty(t, h.sender.Tick(4))
}

func TestDefaultModeSendsOnce(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "v1")
	h.deliver(t, h.sender.Tick(1))

	require.NoError(t, h.serverStore.SetComponent(obj, component.KindLabel, h.label(t, "v2")))
	h.sender.MarkChanged(obj, component.KindLabel, 2)

	assert.Len(t, h.sender.Tick(2), 1)
	// No re-send without a new change, acked or not.
	assert.Empty(t, h.sender.Tick(3))
}

func TestAuthorityGateRejectsNonHolder(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())
	obj := h.spawnServer(t, "mine")
	h.deliver(t, h.sender.Tick(1))
	local, _ := h.receiver.Map().Local(obj)

	// Authority moves to the local client; the server keeps relaying, but
	// the local holder now ignores remote state for this object.
	h.receiver.Apply(&Message{Tick: 2, Authority: []AuthorityRecord{
		{Handle: obj, Holder: authority.ClientPeer(1), At: 2},
	}})
	assert.True(t, h.clientAuth.HasLocal(local))

	h.receiver.Apply(&Message{Tick: 3, Groups: []GroupRecord{{
		ID: GroupID(obj), Kind: GroupUpdate,
		Objects: []ObjectRecord{{
			Handle:     obj,
			Components: []ComponentRecord{{Kind: component.KindLabel, Payload: h.label(t, "theirs")}},
		}},
	}}})

	data, _ := h.clientStore.Component(local, component.KindLabel)
	assert.Equal(t, h.label(t, "mine"), data)
}

func TestDanglingReferenceRetries(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())

	parent := h.serverStore.Spawn()
	h.serverAuth.Track(parent, authority.ServerPeer, 0)
	child := h.serverStore.Spawn()
	h.serverAuth.Track(child, authority.ServerPeer, 0)
	ref, err := h.reg.Encode(&component.Parent{Target: parent})
	require.NoError(t, err)
	require.NoError(t, h.serverStore.SetComponent(child, component.KindParent, ref))

	// The child's spawn arrives before the parent's.
	h.receiver.Apply(&Message{Tick: 1, Groups: []GroupRecord{{
		ID: GroupID(child), Kind: GroupSpawn,
		Objects: []ObjectRecord{{
			Handle:     child,
			Components: []ComponentRecord{{Kind: component.KindParent, Payload: ref}},
		}},
	}}})

	localChild, ok := h.receiver.Map().Local(child)
	require.True(t, ok)
	_, ok = h.clientStore.Component(localChild, component.KindParent)
	assert.False(t, ok, "unresolvable reference must not be stored")

	// Parent spawns; the parked component resolves on the next tick.
	h.receiver.Apply(&Message{Tick: 2, Groups: []GroupRecord{{
		ID: GroupID(parent), Kind: GroupSpawn,
		Objects: []ObjectRecord{{Handle: parent}},
	}}})
	h.receiver.Tick(2)

	data, ok := h.clientStore.Component(localChild, component.KindParent)
	require.True(t, ok)
	val, err := h.reg.Decode(component.KindParent, data)
	require.NoError(t, err)
	localParent, _ := h.receiver.Map().Local(parent)
	assert.Equal(t, localParent, val.(*component.Parent).Target)
}

func TestDanglingReferenceDropsAfterWindow(t *testing.T) {
	h := newPair(t, DefaultSenderConfig())

	var dropped []RefDroppedEvent
	_, err := h.clientBus.Subscribe(EventRefDropped, func(ev bus.Event) error {
		if de, ok := ev.Data().(RefDroppedEvent); ok {
			dropped = append(dropped, de)
		}
		return nil
	})
	require.NoError(t, err)

	ghost := entity.Handle(9999)
	ref, err := h.reg.Encode(&component.Parent{Target: ghost})
	require.NoError(t, err)

	orphan := entity.Handle(42)
	h.receiver.Apply(&Message{Tick: 10, Groups: []GroupRecord{{
		ID: GroupID(orphan), Kind: GroupSpawn,
		Objects: []ObjectRecord{{
			Handle:     orphan,
			Components: []ComponentRecord{{Kind: component.KindParent, Payload: ref}},
		}},
	}}})

	// Still parked inside the window.
	h.receiver.Tick(20)
	assert.Empty(t, dropped)

	// Past the window the component is dropped with a diagnostic.
	h.receiver.Tick(10 + tick.Tick(DefaultReceiverConfig().RefRetryTicks))
	require.Len(t, dropped, 1)
	assert.Equal(t, component.KindParent, dropped[0].Kind)
}

func TestMessageWireRoundTrip(t *testing.T) {
	in := Message{
		Tick: 77,
		Groups: []GroupRecord{{
			ID:   3,
			Kind: GroupUpdate,
			Objects: []ObjectRecord{{
				Handle: entity.Handle(12),
				Components: []ComponentRecord{
					{Kind: component.KindLabel, Payload: []byte("abc")},
					{Kind: component.KindTransform, Payload: []byte{0, 0, 0, 0}},
				},
			}},
		}},
		Authority: []AuthorityRecord{{
			Handle: entity.Handle(12),
			Holder: authority.ClientPeer(4),
			At:     76,
		}},
	}

	var out Message
	require.NoError(t, encoding.Unmarshal(encoding.Marshal(&in), &out))
	assert.Equal(t, in, out)
}

func TestMessageRejectsAbsurdCounts(t *testing.T) {
	w := encoding.NewWriter(16)
	w.Uvarint(1)       // tick
	w.Uvarint(1 << 30) // group count
	var m Message
	assert.ErrorIs(t, m.Unmarshal(encoding.NewReader(w.Bytes())), ErrMalformedMessage)
}

func TestEntityMap(t *testing.T) {
	m := NewEntityMap()
	m.Insert(entity.Handle(100), entity.Handle(1))
	m.Insert(entity.Handle(200), entity.Handle(2))

	local, ok := m.Local(100)
	assert.True(t, ok)
	assert.Equal(t, entity.Handle(1), local)
	remote, ok := m.Remote(2)
	assert.True(t, ok)
	assert.Equal(t, entity.Handle(200), remote)

	m.RemoveByLocal(1)
	_, ok = m.Local(100)
	assert.False(t, ok)
	_, ok = m.Remote(1)
	assert.False(t, ok)

	assert.Equal(t, 1, m.Len())
	m.Clear()
	assert.Equal(t, 0, m.Len())
}

// duplexHarness wires both directions of one server-client connection: each
// side owns a sender and a receiver sharing the handle translation, the way
// the session sets them up.
type duplexHarness struct {
	serverStore *world.Store
	serverAuth  *authority.Manager
	serverSend  *Sender
	serverRecv  *Receiver

	clientStore *world.Store
	clientAuth  *authority.Manager
	clientSend  *Sender
	clientRecv  *Receiver

	reg *component.Registry
}

func newDuplex(t *testing.T) *duplexHarness {
	t.Helper()
	reg := component.NewDefaultRegistry()
	serverBus := bus.New()
	clientBus := bus.New()
	t.Cleanup(func() { _ = serverBus.Close(); _ = clientBus.Close() })

	h := &duplexHarness{
		serverStore: world.NewStore(serverBus),
		clientStore: world.NewStore(clientBus),
		reg:         reg,
	}
	h.serverAuth = authority.NewManager(authority.ServerPeer, serverBus)
	h.clientAuth = authority.NewManager(authority.ClientPeer(1), clientBus)

	scfg := DefaultSenderConfig()
	scfg.Relay = true
	h.serverSend = NewSender(scfg, h.serverStore, h.serverAuth, log.NewNop())
	h.serverRecv = NewReceiver(DefaultReceiverConfig(), authority.ClientPeer(1),
		h.serverStore, h.serverAuth, reg, serverBus, log.NewNop())
	h.serverSend.SetMap(h.serverRecv.Map())

	h.clientSend = NewSender(DefaultSenderConfig(), h.clientStore, h.clientAuth, log.NewNop())
	h.clientRecv = NewReceiver(DefaultReceiverConfig(), authority.ServerPeer,
		h.clientStore, h.clientAuth, reg, clientBus, log.NewNop())
	h.clientSend.SetMap(h.clientRecv.Map())
	return h
}

func (h *duplexHarness) shuttle(t *testing.T, outs []Outbound, to *Receiver) {
	t.Helper()
	for _, out := range outs {
		var m Message
		require.NoError(t, encoding.Unmarshal(encoding.Marshal(&out.Message), &m))
		to.Apply(&m)
	}
}

func (h *duplexHarness) encodeLabel(t *testing.T, text string) []byte {
	t.Helper()
	payload, err := h.reg.Encode(&component.Label{Text: text})
	require.NoError(t, err)
	return payload
}

func TestTransferredEntityUpdatesWithoutDuplicateSpawn(t *testing.T) {
	h := newDuplex(t)

	obj := h.serverStore.Spawn()
	h.serverAuth.Track(obj, authority.ServerPeer, 0)
	require.NoError(t, h.serverStore.SetComponent(obj, component.KindLabel, h.encodeLabel(t, "crate")))
	h.shuttle(t, h.serverSend.Tick(1), h.clientRecv)

	local, ok := h.clientRecv.Map().Local(obj)
	require.True(t, ok)
	require.Equal(t, 1, h.serverStore.Len())
	require.Equal(t, 1, h.clientStore.Len())

	// The server hands the object to the client and re-inserts full state,
	// as the session does on a granted authority request.
	require.True(t, h.serverAuth.Apply(obj, authority.ClientPeer(1), 2))
	h.serverSend.QueueAuthority(AuthorityRecord{Handle: obj, Holder: authority.ClientPeer(1), At: 2})
	h.serverSend.MarkResendFull(obj)
	h.shuttle(t, h.serverSend.Tick(2), h.clientRecv)
	require.True(t, h.clientAuth.HasLocal(local))
	assert.Equal(t, 1, h.clientStore.Len(), "re-insert refreshes, it does not duplicate")

	// The new holder moves the object; its sender must address it by the
	// server's handle and must not spawn it a second time.
	require.NoError(t, h.clientStore.SetComponent(local, component.KindLabel, h.encodeLabel(t, "moved")))
	h.clientSend.MarkChanged(local, component.KindLabel, 3)
	outs := h.clientSend.Tick(3)
	require.NotEmpty(t, outs)
	for _, out := range outs {
		for _, g := range out.Message.Groups {
			require.NotEqual(t, GroupSpawn, g.Kind, "object already lives on the server")
			for _, o := range g.Objects {
				assert.Equal(t, obj, o.Handle, "updates travel under the originator's handle")
			}
		}
	}

	h.shuttle(t, outs, h.serverRecv)
	assert.Equal(t, 1, h.serverStore.Len(), "no duplicate entity on the server")
	data, ok := h.serverStore.Component(obj, component.KindLabel)
	require.True(t, ok)
	assert.Equal(t, h.encodeLabel(t, "moved"), data)
}

func TestClientOriginEntityRelaysUnderServerNamespace(t *testing.T) {
	h := newDuplex(t)

	// The client originates an object, as SpawnOwned does.
	avatar := h.clientStore.Spawn()
	h.clientAuth.Track(avatar, authority.ClientPeer(1), 0)
	require.NoError(t, h.clientStore.SetComponent(avatar, component.KindLabel, h.encodeLabel(t, "me")))
	h.shuttle(t, h.clientSend.Tick(1), h.serverRecv)

	serverLocal, ok := h.serverRecv.Map().Local(avatar)
	require.True(t, ok)
	require.Equal(t, 1, h.serverStore.Len())

	// Follow-up updates keep translating into the same server entity.
	require.NoError(t, h.clientStore.SetComponent(avatar, component.KindLabel, h.encodeLabel(t, "me2")))
	h.clientSend.MarkChanged(avatar, component.KindLabel, 2)
	h.shuttle(t, h.clientSend.Tick(2), h.serverRecv)

	assert.Equal(t, 1, h.serverStore.Len())
	data, _ := h.serverStore.Component(serverLocal, component.KindLabel)
	assert.Equal(t, h.encodeLabel(t, "me2"), data)
}

func TestVisibilityInterest(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.Mode = VisibilityInterest
	h := newPair(t, cfg)

	seen := h.spawnServer(t, "visible")
	hidden := h.spawnServer(t, "hidden")
	h.sender.SetVisible(seen, true)

	h.deliver(t, h.sender.Tick(1))
	_, ok := h.receiver.Map().Local(seen)
	assert.True(t, ok)
	_, ok = h.receiver.Map().Local(hidden)
	assert.False(t, ok)

	// Leaving the interest set despawns on the peer.
	h.sender.SetVisible(seen, false)
	h.deliver(t, h.sender.Tick(2))
	_, ok = h.receiver.Map().Local(seen)
	assert.False(t, ok)
}
