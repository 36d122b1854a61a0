package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/prediction"
	"github.com/syncline/syncline/internal/core/replication"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/transport"
	"github.com/syncline/syncline/internal/core/world"
	"github.com/syncline/syncline/pkg/encoding"
)

// TickFunc runs game logic once per tick, after inbound state and inputs are
// applied and before outbound replication is built.
type TickFunc func(t tick.Tick)

// AuthorityPolicy decides whether to grant a client's authority request.
type AuthorityPolicy func(from authority.ClientID, h entity.Handle, target authority.Peer) bool

type inbound struct {
	conn *serverConn
	data []byte
}

// serverConn is the server's view of one connected client. Owned by the
// tick goroutine after the handshake.
type serverConn struct {
	id       string
	client   authority.ClientID
	tc       transport.Conn
	endpoint *link.Endpoint
	sender   *replication.Sender
	receiver *replication.Receiver
	inputs   *prediction.InputBuffer
	lastRecv time.Time
	welcomed bool
}

// Server owns the authoritative simulation: it accepts client connections,
// applies their inputs and client-authoritative updates, steps the game, and
// replicates resulting state back out, relaying client-authoritative objects
// to everyone else.
type Server struct {
	cfg    Config
	log    log.Log
	clock  *tick.Clock
	store  *world.Store
	reg    *component.Registry
	auth   *authority.Manager
	events bus.EventBus

	tr transport.Transport
	ln transport.Listener

	// conns iterates in connection order so per-tick work is deterministic
	conns    *orderedmap.OrderedMap[authority.ClientID, *serverConn]
	newConns chan *serverConn
	inbox    chan inbound

	nextClient authority.ClientID
	onTick     TickFunc
	policy     AuthorityPolicy
}

// NewServer wires a server around an existing store and registry. The store
// must not be mutated from outside the tick callback once Run starts.
func NewServer(cfg Config, store *world.Store, reg *component.Registry, events bus.EventBus, logger log.Log) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		log:      logger.With(log.String("component", "server")),
		clock:    tick.NewClock(cfg.TickInterval()),
		store:    store,
		reg:      reg,
		auth:     authority.NewManager(authority.ServerPeer, events),
		events:   events,
		tr:       tr,
		conns:    orderedmap.NewOrderedMap[authority.ClientID, *serverConn](),
		newConns: make(chan *serverConn, 16),
		inbox:    make(chan inbound, 4096),
		policy: func(authority.ClientID, entity.Handle, authority.Peer) bool {
			return true
		},
	}
	s.watchStore()
	return s, nil
}

// OnTick registers the per-tick game callback.
func (s *Server) OnTick(fn TickFunc) { s.onTick = fn }

// SetAuthorityPolicy overrides the default grant-everything policy.
func (s *Server) SetAuthorityPolicy(p AuthorityPolicy) { s.policy = p }

// Authority exposes the server's authority records.
func (s *Server) Authority() *authority.Manager { return s.auth }

// Clock exposes the server tick clock.
func (s *Server) Clock() *tick.Clock { return s.clock }

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr()
}

// SpawnOwned spawns a server-authoritative entity. Tick goroutine only.
func (s *Server) SpawnOwned() entity.Handle {
	h := s.store.Spawn()
	s.auth.Track(h, authority.ServerPeer, s.clock.Now())
	return h
}

// InputFor returns the input a client supplied for a tick, repeating the
// last known input when that tick's datagram was lost.
func (s *Server) InputFor(client authority.ClientID, t tick.Tick) ([]byte, bool) {
	c, ok := s.conns.Get(client)
	if !ok {
		return nil, false
	}
	return c.inputs.GetOrLatest(t)
}

// TransferAuthority moves authority over h to the target peer and announces
// the change to every client. Tick goroutine only.
func (s *Server) TransferAuthority(h entity.Handle, target authority.Peer) error {
	if !s.store.Alive(h) {
		return world.ErrDeadHandle
	}
	now := s.clock.Now()
	if !s.auth.Apply(h, target, now) {
		return fmt.Errorf("authority transfer for %s lost to a newer change", h)
	}
	rec := replication.AuthorityRecord{Handle: h, Holder: target, At: now}
	for el := s.conns.Front(); el != nil; el = el.Next() {
		el.Value.sender.QueueAuthority(rec)
		el.Value.sender.MarkResendFull(h)
	}
	return nil
}

// watchStore feeds component changes into every connection's sender. The
// bus delivers synchronously on the mutating goroutine, which is the tick
// goroutine, so no locking is needed.
func (s *Server) watchStore() {
	_, _ = s.events.Subscribe(world.EventComponentChanged, func(ev bus.Event) error {
		ce, ok := ev.Data().(world.ComponentEvent)
		if !ok {
			return nil
		}
		now := s.clock.Now()
		for el := s.conns.Front(); el != nil; el = el.Next() {
			el.Value.sender.MarkChanged(ce.Handle, ce.Kind, now)
		}
		return nil
	})
}

// Run listens and serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.tr.Listen(ctx, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", s.tr.Type(), s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("listening",
		log.String("transport", string(s.cfg.Transport)), log.String("addr", ln.Addr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, g) })
	g.Go(func() error { return s.tickLoop(ctx) })

	err = g.Wait()
	_ = ln.Close()
	_ = s.tr.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		tc, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return ctx.Err()
			}
			s.log.Warn("accept failed", log.Error(err))
			continue
		}
		c := &serverConn{
			id:       uuid.NewString(),
			tc:       tc,
			lastRecv: time.Now(),
		}
		select {
		case s.newConns <- c:
		case <-ctx.Done():
			_ = tc.Close()
			return ctx.Err()
		}
		g.Go(func() error { return s.readLoop(ctx, c) })
	}
}

// readLoop pumps one connection's datagrams into the shared inbox. Backlog
// beyond the inbox capacity is dropped, the same as the network would.
func (s *Server) readLoop(ctx context.Context, c *serverConn) error {
	for {
		data, err := c.tc.ReadDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil // connection closed, tick loop times it out
		}
		select {
		case s.inbox <- inbound{conn: c, data: data}:
		default:
			s.log.Warn("inbox full, dropping datagram", log.String("conn", c.id))
		}
	}
}

func (s *Server) tickLoop(ctx context.Context) error {
	timer := time.NewTimer(s.clock.StepDuration())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-timer.C:
		}
		s.step(time.Now())
		timer.Reset(s.clock.StepDuration())
	}
}

// step runs one server tick.
func (s *Server) step(now time.Time) {
	t := s.clock.Advance()

	s.admitConns()
	s.drainInbox(now)
	s.store.DrainCommands()

	for el := s.conns.Front(); el != nil; el = el.Next() {
		s.routeMessages(el.Value, now)
		el.Value.receiver.Tick(t)
	}

	if s.onTick != nil {
		s.onTick(t)
	}
	s.store.DrainCommands()

	for el := s.conns.Front(); el != nil; el = el.Next() {
		c := el.Value
		if !c.welcomed {
			continue
		}
		c.sender.HandleAcks(c.endpoint.Acked())
		s.flushReplication(c, t)
		s.flushDatagrams(c, now, t)
	}

	s.reapTimeouts(now)
}

func (s *Server) admitConns() {
	for {
		select {
		case c := <-s.newConns:
			s.attach(c)
		default:
			return
		}
	}
}

// attach finishes connection setup on the tick goroutine.
func (s *Server) attach(c *serverConn) {
	if s.conns.Len() >= s.cfg.MaxConnections {
		s.log.Warn("connection limit reached, rejecting", log.String("conn", c.id))
		_ = c.tc.Close()
		return
	}
	s.nextClient++
	c.client = s.nextClient
	lcfg := s.cfg.Link
	lcfg.MTU = c.tc.MTU()
	c.endpoint = link.NewEndpoint(lcfg, s.log)
	scfg := s.cfg.Replication
	scfg.TickRate = s.cfg.TickRate
	scfg.Relay = true
	c.sender = replication.NewSender(scfg, s.store, s.auth, s.log)
	c.receiver = replication.NewReceiver(
		s.cfg.Receive, authority.ClientPeer(c.client), s.store, s.auth, s.reg, s.events, s.log)
	c.sender.SetMap(c.receiver.Map())
	c.inputs = prediction.NewInputBuffer(s.cfg.Prediction.HistoryTicks)

	// Entities a client spawns come back to it through its own prediction,
	// not through replication, so its sender skips them.
	c.receiver.SetSpawnHook(func(local entity.Handle, _ tick.Tick) {
		c.sender.MarkOwned(local)
	})

	s.conns.Set(c.client, c)
	s.log.Info("client connected",
		log.String("conn", c.id), log.Uint64("client", uint64(c.client)),
		log.String("remote", c.tc.RemoteAddr()))
}

func (s *Server) drainInbox(now time.Time) {
	for {
		select {
		case in := <-s.inbox:
			if in.conn.endpoint == nil {
				continue // datagram raced ahead of attach
			}
			in.conn.lastRecv = now
			if err := in.conn.endpoint.HandleDatagram(in.data, now); err != nil {
				s.log.Debug("bad datagram", log.String("conn", in.conn.id), log.Error(err))
			}
		default:
			return
		}
	}
}

func (s *Server) routeMessages(c *serverConn, now time.Time) {
	for _, msg := range c.endpoint.Poll() {
		if len(msg.Payload) == 0 {
			continue
		}
		kind := msgKind(msg.Payload[0])
		body := msg.Payload[1:]
		switch kind {
		case kindHello:
			s.handleHello(c, body)
		case kindPing:
			s.handlePing(c, body, now)
		case kindReplication:
			s.handleReplication(c, body)
		case kindInput:
			s.handleInput(c, body)
		case kindAuthorityRequest:
			s.handleAuthorityRequest(c, body)
		default:
			s.log.Debug("unroutable message",
				log.String("conn", c.id), log.Uint8("kind", uint8(kind)))
		}
	}
}

func (s *Server) handleHello(c *serverConn, body []byte) {
	var h hello
	if err := h.unmarshal(encoding.NewReader(body)); err != nil {
		s.log.Warn("malformed hello", log.String("conn", c.id), log.Error(err))
		return
	}
	if h.Version != protocolVersion {
		s.log.Warn("protocol mismatch",
			log.String("conn", c.id), log.Uint16("theirs", h.Version))
		_ = c.tc.Close()
		return
	}
	if c.welcomed {
		return
	}
	c.welcomed = true
	w := encoding.NewWriter(16)
	welcome{ClientID: c.client, TickRate: uint16(s.cfg.TickRate)}.marshal(w)
	if _, err := c.endpoint.Send(ChannelActions, w.Bytes(), link.ReliableOrdered); err != nil {
		s.log.Error("welcome send failed", log.String("conn", c.id), log.Error(err))
	}
}

func (s *Server) handlePing(c *serverConn, body []byte, now time.Time) {
	var p tick.Ping
	if err := encoding.Unmarshal(body, &p); err != nil {
		return
	}
	// The pong reports how long the ping sat here before this reply.
	pong := tick.HandlePing(p, s.clock.Now(), time.Since(now))
	w := encoding.NewWriter(32)
	w.Uint8(uint8(kindPong))
	pong.Marshal(w)
	if _, err := c.endpoint.Send(ChannelTime, w.Bytes(), link.UnreliableUnordered); err != nil {
		s.log.Debug("pong send failed", log.String("conn", c.id), log.Error(err))
	}
}

func (s *Server) handleReplication(c *serverConn, body []byte) {
	var m replication.Message
	if err := encoding.Unmarshal(body, &m); err != nil {
		s.log.Warn("malformed replication message",
			log.String("conn", c.id), log.Error(err))
		return
	}
	c.receiver.Apply(&m)
}

func (s *Server) handleInput(c *serverConn, body []byte) {
	var m prediction.InputMessage
	if err := encoding.Unmarshal(body, &m); err != nil {
		return
	}
	c.inputs.Absorb(&m)
}

func (s *Server) handleAuthorityRequest(c *serverConn, body []byte) {
	var req authorityRequest
	if err := req.unmarshal(encoding.NewReader(body)); err != nil {
		return
	}
	local, known := c.receiver.Map().Local(entity.Handle(req.Handle))
	if !known {
		local = entity.Handle(req.Handle)
	}
	if !s.store.Alive(local) {
		return
	}
	if !s.policy(c.client, local, req.Target) {
		s.log.Info("authority request denied",
			log.Uint64("client", uint64(c.client)), log.String("handle", local.String()))
		return
	}
	if err := s.TransferAuthority(local, req.Target); err != nil {
		s.log.Warn("authority transfer failed",
			log.String("handle", local.String()), log.Error(err))
	}
}

func (s *Server) flushReplication(c *serverConn, t tick.Tick) {
	for _, out := range c.sender.Tick(t) {
		w := encoding.NewWriter(out.Message.EncodedSize() + 1)
		w.Uint8(uint8(kindReplication))
		out.Message.Marshal(w)
		mode := link.UnreliableUnordered
		channel := ChannelUpdates
		if out.Reliable {
			mode = link.ReliableOrdered
			channel = ChannelActions
		}
		id, err := c.endpoint.Send(channel, w.Bytes(), mode)
		if err != nil {
			s.log.Warn("replication send failed", log.String("conn", c.id), log.Error(err))
			continue
		}
		c.sender.RecordSent(out, id)
	}
}

func (s *Server) flushDatagrams(c *serverConn, now time.Time, t tick.Tick) {
	for _, dgram := range c.endpoint.Outgoing(now, t) {
		if err := c.tc.WriteDatagram(dgram); err != nil {
			s.log.Debug("write failed", log.String("conn", c.id), log.Error(err))
			return
		}
	}
}

func (s *Server) reapTimeouts(now time.Time) {
	var dead []*serverConn
	for el := s.conns.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value.lastRecv) > s.cfg.ConnTimeout {
			dead = append(dead, el.Value)
		}
	}
	for _, c := range dead {
		s.dropConn(c, "timeout")
	}
}

// dropConn tears a connection down: its entities despawn, its handle
// translations and link state are discarded, and the departure replicates
// to everyone left.
func (s *Server) dropConn(c *serverConn, reason string) {
	s.log.Info("client disconnected",
		log.String("conn", c.id), log.Uint64("client", uint64(c.client)),
		log.String("reason", reason))

	var owned []entity.Handle
	s.auth.HeldBy(authority.ClientPeer(c.client), func(h entity.Handle) {
		owned = append(owned, h)
	})
	for _, h := range owned {
		s.auth.Release(h)
		if s.store.Alive(h) {
			_ = s.store.Despawn(h)
		}
	}

	c.receiver.Teardown()
	c.endpoint.Reset()
	_ = c.tc.Close()
	s.conns.Delete(c.client)
}

func (s *Server) closeAll() {
	for el := s.conns.Front(); el != nil; el = el.Next() {
		_ = el.Value.tc.Close()
	}
}
