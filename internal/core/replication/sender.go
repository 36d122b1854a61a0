package replication

import (
	"github.com/elliotchance/orderedmap/v2"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
	"github.com/syncline/syncline/pkg/encoding"
	"github.com/syncline/syncline/pkg/sequence"
)

// VisibilityMode selects how the sender decides which objects a peer sees.
type VisibilityMode uint8

const (
	// VisibilityAll replicates every live object to the peer.
	VisibilityAll VisibilityMode = iota
	// VisibilityInterest replicates only objects added through SetVisible.
	VisibilityInterest
)

// SenderConfig holds the per-connection replication knobs.
type SenderConfig struct {
	Mode VisibilityMode `yaml:"visibility_mode"`
	// BandwidthCap is the outbound budget in bytes per second for update
	// traffic. Spawns, despawns and authority changes are not budgeted;
	// they are small and must arrive.
	BandwidthCap        uint64 `yaml:"bandwidth_cap"`
	BandwidthCapEnabled bool   `yaml:"bandwidth_cap_enabled"`
	// TickRate converts the cap into a per-tick token allowance.
	TickRate int `yaml:"tick_rate"`
	// SendUpdatesSinceLastAck keeps re-sending changed components until the
	// peer acknowledges them, instead of only when they change again.
	// Costs bandwidth, converges faster under loss.
	SendUpdatesSinceLastAck bool `yaml:"send_updates_since_last_ack"`
	// BasePriority seeds every group's send priority and is also the
	// per-tick aging increment for groups left unscheduled.
	BasePriority float64 `yaml:"base_priority"`
	// MaxMessageSize bounds how many groups are packed into one message.
	MaxMessageSize int `yaml:"max_message_size"`
	// Relay lets the sender originate updates for objects the local peer
	// does not hold authority over. Set on the server, which forwards
	// client-authoritative state to the other clients.
	Relay bool `yaml:"-"`
}

// DefaultSenderConfig returns the default replication sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Mode:                VisibilityAll,
		BandwidthCap:        56_000,
		BandwidthCapEnabled: false,
		TickRate:            60,
		BasePriority:        1.0,
		MaxMessageSize:      8 * 1024,
	}
}

type objectState struct {
	group   GroupID
	spawned bool
	changed map[component.Kind]tick.Tick
	sentAt  map[component.Kind]tick.Tick
	ackedAt map[component.Kind]tick.Tick
}

type groupState struct {
	base     float64
	priority float64
	members  map[entity.Handle]struct{}
}

type sentEntry struct {
	handle entity.Handle
	kind   component.Kind
	at     tick.Tick
}

// Sender replicates local state to one remote peer. It tracks which objects
// are visible to the peer, batches changed components into groups, schedules
// them by aged priority under the bandwidth budget, and keeps re-sending
// whatever the peer has not acknowledged.
//
// Handles travel in their originator's namespace: objects this side created
// go out under the local handle, objects learned from the peer go out under
// the handle the peer knows them by.
type Sender struct {
	cfg   SenderConfig
	log   log.Log
	store *world.Store
	auth  *authority.Manager
	emap  *EntityMap

	objects map[entity.Handle]*objectState
	groups  *orderedmap.OrderedMap[GroupID, *groupState]
	visible map[entity.Handle]struct{}
	// owned objects originated by this very peer; never echoed back
	owned map[entity.Handle]struct{}

	pendingSpawn   []entity.Handle
	pendingDespawn []entity.Handle
	pendingAuth    []AuthorityRecord

	inFlight map[link.MessageID][]sentEntry
	tokens   float64
}

// NewSender creates a replication sender for one connection.
func NewSender(cfg SenderConfig, store *world.Store, auth *authority.Manager, logger log.Log) *Sender {
	return &Sender{
		cfg:      cfg,
		log:      logger.With(log.String("component", "replication_sender")),
		store:    store,
		auth:     auth,
		objects:  make(map[entity.Handle]*objectState),
		groups:   orderedmap.NewOrderedMap[GroupID, *groupState](),
		visible:  make(map[entity.Handle]struct{}),
		owned:    make(map[entity.Handle]struct{}),
		inFlight: make(map[link.MessageID][]sentEntry),
	}
}

// SetMap points the sender at the connection's handle translation table,
// shared with its receiver. Objects the peer itself originated go out under
// the peer's own handle, and their spawn is suppressed since the peer
// already has them.
func (s *Sender) SetMap(m *EntityMap) { s.emap = m }

// wireHandle returns the handle the peer knows the object by: the peer's
// own handle for objects it originated, the local handle otherwise.
func (s *Sender) wireHandle(h entity.Handle) entity.Handle {
	if s.emap != nil {
		if remote, ok := s.emap.Remote(h); ok {
			return remote
		}
	}
	return h
}

func (s *Sender) peerKnows(h entity.Handle) bool {
	if s.emap == nil {
		return false
	}
	_, ok := s.emap.Remote(h)
	return ok
}

// SetVisible adds or removes an object from the peer's interest list. Only
// consulted in VisibilityInterest mode.
func (s *Sender) SetVisible(h entity.Handle, visible bool) {
	if visible {
		s.visible[h] = struct{}{}
	} else {
		delete(s.visible, h)
	}
}

// MarkOwned excludes an object from replication to this peer. Used for
// objects the peer itself originated, so they are not echoed back under a
// different handle.
func (s *Sender) MarkOwned(h entity.Handle) {
	s.owned[h] = struct{}{}
}

// SetGroup assigns an object to an explicit replication group with the
// given base priority. Objects sharing a group id are always delivered in
// the same message. Without an explicit assignment the object forms its own
// group keyed by its handle.
func (s *Sender) SetGroup(h entity.Handle, id GroupID, basePriority float64) {
	st := s.object(h)
	if st.group == id {
		return
	}
	s.detachFromGroup(h, st.group)
	st.group = id
	g := s.group(id, basePriority)
	g.members[h] = struct{}{}
}

// MarkChanged records that a component changed at the given tick.
func (s *Sender) MarkChanged(h entity.Handle, k component.Kind, at tick.Tick) {
	st := s.object(h)
	st.changed[k] = at
}

// MarkResendFull queues a full re-insert of the object. Called when its
// authority or visibility changed, so the peer can rebuild current state
// without needing the prior diff history.
func (s *Sender) MarkResendFull(h entity.Handle) {
	st := s.object(h)
	if st.spawned {
		st.spawned = false
	}
}

// QueueAuthority schedules an authority change announcement.
func (s *Sender) QueueAuthority(rec AuthorityRecord) {
	s.pendingAuth = append(s.pendingAuth, rec)
}

// HandleAcks consumes link-level acknowledgements, advancing the per
// component acked tick so acknowledged state stops being re-sent.
func (s *Sender) HandleAcks(ids []link.MessageID) {
	for _, id := range ids {
		entries, ok := s.inFlight[id]
		if !ok {
			continue
		}
		delete(s.inFlight, id)
		for _, e := range entries {
			st, ok := s.objects[e.handle]
			if !ok {
				continue
			}
			if tick.Delta(e.at, st.ackedAt[e.kind]) > 0 {
				st.ackedAt[e.kind] = e.at
			}
		}
	}
}

// Outbound is one message ready for the link, with the channel mode the
// sender wants for it.
type Outbound struct {
	Message  Message
	Reliable bool
	// entries to record against the link message id once sent
	entries []sentEntry
}

// RecordSent ties a link message id to the update entries it carried.
func (s *Sender) RecordSent(o Outbound, id link.MessageID) {
	if len(o.entries) > 0 {
		s.inFlight[id] = o.entries
	}
}

// Tick runs one replication pass and returns the messages to hand to the
// link: first the reliable action message (spawns, despawns, authority),
// then zero or more budgeted update messages.
func (s *Sender) Tick(now tick.Tick) []Outbound {
	s.refreshVisibility()

	var out []Outbound
	if actions := s.buildActions(now); actions != nil {
		out = append(out, *actions)
	}
	out = append(out, s.buildUpdates(now)...)
	return out
}

// refreshVisibility diffs the currently visible set against what the peer
// already knows, queueing spawns and despawns.
func (s *Sender) refreshVisibility() {
	current := make(map[entity.Handle]struct{})
	consider := func(h entity.Handle) {
		if _, isOwned := s.owned[h]; isOwned {
			return
		}
		if !s.cfg.Relay && !s.auth.HasLocal(h) {
			return
		}
		current[h] = struct{}{}
	}
	switch s.cfg.Mode {
	case VisibilityAll:
		s.store.ForEach(consider)
	case VisibilityInterest:
		for h := range s.visible {
			if s.store.Alive(h) {
				consider(h)
			}
		}
	}

	for h := range current {
		st := s.object(h)
		if st.spawned {
			continue
		}
		if s.peerKnows(h) {
			// The peer originated this object and already holds it.
			st.spawned = true
			continue
		}
		s.pendingSpawn = append(s.pendingSpawn, h)
	}
	for h, st := range s.objects {
		if _, stillVisible := current[h]; stillVisible || !st.spawned {
			continue
		}
		s.pendingDespawn = append(s.pendingDespawn, h)
		st.spawned = false
	}
}

// buildActions drains queued spawns, despawns and authority changes into one
// reliable-ordered message.
func (s *Sender) buildActions(now tick.Tick) *Outbound {
	if len(s.pendingSpawn) == 0 && len(s.pendingDespawn) == 0 && len(s.pendingAuth) == 0 {
		return nil
	}
	msg := Message{Tick: now}

	for _, h := range s.pendingSpawn {
		if !s.store.Alive(h) {
			continue
		}
		st := s.object(h)
		snapshot := s.store.Snapshot(h)
		obj := ObjectRecord{Handle: s.wireHandle(h)}
		for k, payload := range snapshot {
			obj.Components = append(obj.Components, ComponentRecord{Kind: k, Payload: payload})
			st.sentAt[k] = now
		}
		msg.Groups = append(msg.Groups, GroupRecord{
			ID:      s.groupOf(h),
			Kind:    GroupSpawn,
			Objects: []ObjectRecord{obj},
		})
		st.spawned = true
	}
	s.pendingSpawn = nil

	for _, h := range s.pendingDespawn {
		msg.Groups = append(msg.Groups, GroupRecord{
			ID:      s.groupOf(h),
			Kind:    GroupDespawn,
			Objects: []ObjectRecord{{Handle: s.wireHandle(h)}},
		})
		s.forget(h)
	}
	s.pendingDespawn = nil

	for i := range s.pendingAuth {
		s.pendingAuth[i].Handle = s.wireHandle(s.pendingAuth[i].Handle)
	}
	msg.Authority = s.pendingAuth
	s.pendingAuth = nil

	if len(msg.Groups) == 0 && len(msg.Authority) == 0 {
		return nil
	}
	return &Outbound{Message: msg, Reliable: true}
}

// buildUpdates schedules groups with pending changes by descending aged
// priority, packing them into messages until the bandwidth budget runs out.
// Groups left behind age so they eventually dominate the schedule.
func (s *Sender) buildUpdates(now tick.Tick) []Outbound {
	if s.cfg.BandwidthCapEnabled && s.cfg.TickRate > 0 {
		s.tokens += float64(s.cfg.BandwidthCap) / float64(s.cfg.TickRate)
		if burst := float64(s.cfg.BandwidthCap); s.tokens > burst {
			s.tokens = burst
		}
	}

	type candidate struct {
		id    GroupID
		state *groupState
		rec   GroupRecord
		size  int
		sent  []sentEntry
	}

	queue := sequence.NewPriorityQueue[candidate]()
	for el := s.groups.Front(); el != nil; el = el.Next() {
		id, g := el.Key, el.Value
		rec, sent := s.buildGroupRecord(id, g, now)
		if len(rec.Objects) == 0 {
			continue
		}
		size := groupSize(rec)
		// Groups are enqueued in insertion order and the queue is
		// stable, so equal priorities schedule deterministically.
		queue.Enqueue(candidate{id: id, state: g, rec: rec, size: size, sent: sent}, g.priority)
	}

	var out []Outbound
	var current *Outbound
	currentSize := 0

	flush := func() {
		if current != nil && len(current.Message.Groups) > 0 {
			out = append(out, *current)
		}
		current = nil
		currentSize = 0
	}

	for !queue.IsEmpty() {
		c, _ := queue.Dequeue()
		if s.cfg.BandwidthCapEnabled && float64(c.size) > s.tokens {
			// Out of budget: everything still queued ages.
			c.state.priority += c.state.base
			for !queue.IsEmpty() {
				rest, _ := queue.Dequeue()
				rest.state.priority += rest.state.base
			}
			break
		}
		if current != nil && currentSize+c.size > s.cfg.MaxMessageSize {
			flush()
		}
		if current == nil {
			current = &Outbound{Message: Message{Tick: now}}
		}
		current.Message.Groups = append(current.Message.Groups, c.rec)
		current.entries = append(current.entries, c.sent...)
		currentSize += c.size
		if s.cfg.BandwidthCapEnabled {
			s.tokens -= float64(c.size)
		}
		c.state.priority = c.state.base
		for _, e := range c.sent {
			s.objects[e.handle].sentAt[e.kind] = now
		}
	}
	flush()
	return out
}

// buildGroupRecord collects the eligible changed components of every member
// of a group. Atomicity holds by construction: the record either travels
// whole in one message or not at all.
func (s *Sender) buildGroupRecord(id GroupID, g *groupState, now tick.Tick) (GroupRecord, []sentEntry) {
	rec := GroupRecord{ID: id, Kind: GroupUpdate}
	var sent []sentEntry
	for h := range g.members {
		st, ok := s.objects[h]
		if !ok || !st.spawned || !s.store.Alive(h) {
			continue
		}
		var obj ObjectRecord
		for k, changedAt := range st.changed {
			since := st.sentAt[k]
			if s.cfg.SendUpdatesSinceLastAck {
				since = st.ackedAt[k]
			}
			if tick.Delta(changedAt, since) <= 0 {
				continue
			}
			payload, exists := s.store.Component(h, k)
			if !exists {
				continue
			}
			obj.Components = append(obj.Components, ComponentRecord{Kind: k, Payload: payload})
			sent = append(sent, sentEntry{handle: h, kind: k, at: now})
		}
		if len(obj.Components) > 0 {
			obj.Handle = s.wireHandle(h)
			rec.Objects = append(rec.Objects, obj)
		}
	}
	return rec, sent
}

func (s *Sender) object(h entity.Handle) *objectState {
	st, ok := s.objects[h]
	if !ok {
		st = &objectState{
			group:   GroupID(h),
			changed: make(map[component.Kind]tick.Tick),
			sentAt:  make(map[component.Kind]tick.Tick),
			ackedAt: make(map[component.Kind]tick.Tick),
		}
		s.objects[h] = st
		g := s.group(st.group, s.cfg.BasePriority)
		g.members[h] = struct{}{}
	}
	return st
}

func (s *Sender) group(id GroupID, base float64) *groupState {
	if g, ok := s.groups.Get(id); ok {
		return g
	}
	g := &groupState{base: base, priority: base, members: make(map[entity.Handle]struct{})}
	s.groups.Set(id, g)
	return g
}

func (s *Sender) groupOf(h entity.Handle) GroupID {
	if st, ok := s.objects[h]; ok {
		return st.group
	}
	return GroupID(h)
}

func (s *Sender) detachFromGroup(h entity.Handle, id GroupID) {
	if g, ok := s.groups.Get(id); ok {
		delete(g.members, h)
		if len(g.members) == 0 {
			s.groups.Delete(id)
		}
	}
}

func (s *Sender) forget(h entity.Handle) {
	if st, ok := s.objects[h]; ok {
		s.detachFromGroup(h, st.group)
		delete(s.objects, h)
	}
	delete(s.visible, h)
	delete(s.owned, h)
}

func groupSize(rec GroupRecord) int {
	w := encoding.NewWriter(128)
	w.Uvarint(uint64(rec.ID))
	w.Uint8(uint8(rec.Kind))
	for _, o := range rec.Objects {
		w.Uvarint(uint64(o.Handle))
		for _, c := range o.Components {
			w.Uint16(uint16(c.Kind))
			w.Blob(c.Payload)
		}
	}
	return w.Len()
}
