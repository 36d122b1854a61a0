package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/interpolation"
	"github.com/syncline/syncline/internal/core/link"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/prediction"
	"github.com/syncline/syncline/internal/core/replication"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/transport"
	"github.com/syncline/syncline/internal/core/world"
	"github.com/syncline/syncline/pkg/encoding"
)

// ConnState tracks the client connection lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrDisconnected is returned by operations that need a live connection.
var ErrDisconnected = errors.New("session: disconnected")

// InputSampler produces the local player's encoded input for a tick.
// Called once per tick from the tick goroutine.
type InputSampler func(t tick.Tick) []byte

// Client runs the player's side of a session: it keeps the local tick clock
// converged on the server's, applies replicated state to the confirmed
// store, predicts the local player forward through the prediction engine,
// and buffers remote entities for interpolated rendering.
type Client struct {
	cfg    Config
	log    log.Log
	clock  *tick.Clock
	store  *world.Store // confirmed state, written by replication only
	reg    *component.Registry
	auth   *authority.Manager
	events bus.EventBus

	tr transport.Transport
	tc transport.Conn

	endpoint *link.Endpoint
	syncmgr  *tick.SyncManager
	sender   *replication.Sender
	receiver *replication.Receiver
	engine   *prediction.Engine
	interp   *interpolation.Buffer

	id       authority.ClientID
	state    atomic.Int32
	inbox    chan []byte
	lastRecv time.Time

	onTick  TickFunc
	sampler InputSampler
	onReady func(id authority.ClientID)
}

// NewClient wires a client. The predicted store receives the twins of
// promoted entities and is advanced by sim; the confirmed store is managed
// entirely by the client.
func NewClient(cfg Config, confirmed, predicted *world.Store, reg *component.Registry, sim prediction.Simulator, events bus.EventBus, logger log.Log) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	clock := tick.NewClock(cfg.TickInterval())
	c := &Client{
		cfg:     cfg,
		log:     logger.With(log.String("component", "client")),
		clock:   clock,
		store:   confirmed,
		reg:     reg,
		events:  events,
		tr:      tr,
		syncmgr: tick.NewSyncManager(cfg.Sync, clock, logger),
		engine:  prediction.NewEngine(cfg.Prediction, confirmed, predicted, reg, sim, logger),
		interp:  interpolation.NewBuffer(reg, logger),
		inbox:   make(chan []byte, 1024),
	}
	c.state.Store(int32(StateConnecting))
	c.watchConfirmed()
	return c, nil
}

// OnTick registers the per-tick game callback.
func (c *Client) OnTick(fn TickFunc) { c.onTick = fn }

// SetInputSampler registers the local input source. Sampled inputs feed the
// prediction engine and are sent to the server with a redundant window.
func (c *Client) SetInputSampler(fn InputSampler) { c.sampler = fn }

// OnReady registers a callback invoked once the server handshake completes.
func (c *Client) OnReady(fn func(id authority.ClientID)) { c.onReady = fn }

// State returns the current connection state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// ID returns the client id assigned by the server. Zero until connected.
func (c *Client) ID() authority.ClientID { return c.id }

// Clock exposes the synchronized local tick clock.
func (c *Client) Clock() *tick.Clock { return c.clock }

// Prediction exposes the prediction engine for promoting entities.
func (c *Client) Prediction() *prediction.Engine { return c.engine }

// Interpolation exposes the render-side snapshot buffer.
func (c *Client) Interpolation() *interpolation.Buffer { return c.interp }

// RTT reports the smoothed round trip to the server.
func (c *Client) RTT() time.Duration { return c.syncmgr.RTT() }

// SpawnOwned spawns a client-authoritative entity into the confirmed store.
// The sender replicates it to the server, which relays it onward. Tick
// goroutine only, and only after the handshake.
func (c *Client) SpawnOwned() (entity.Handle, error) {
	if c.State() != StateConnected {
		return entity.Nil, ErrDisconnected
	}
	h := c.store.Spawn()
	c.auth.Track(h, authority.ClientPeer(c.id), c.clock.Now())
	return h, nil
}

// RequestAuthority asks the server to move authority over h to target. The
// outcome arrives later as a replicated authority change.
func (c *Client) RequestAuthority(h entity.Handle, target authority.Peer) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	wire := h
	if remote, ok := c.receiver.Map().Remote(h); ok {
		wire = remote
	}
	w := encoding.NewWriter(16)
	authorityRequest{Handle: uint64(wire), Target: target}.marshal(w)
	_, err := c.endpoint.Send(ChannelActions, w.Bytes(), link.ReliableOrdered)
	return err
}

// watchConfirmed routes confirmed store changes into prediction and
// interpolation. Handlers run synchronously on the tick goroutine.
func (c *Client) watchConfirmed() {
	_, _ = c.events.Subscribe(replication.EventUpdated, func(ev bus.Event) error {
		ue, ok := ev.Data().(replication.UpdatedEvent)
		if !ok {
			return nil
		}
		payload, exists := c.store.Component(ue.Handle, ue.Kind)
		if !exists {
			return nil
		}
		if _, predicted := c.engine.Predicted(ue.Handle); predicted {
			c.engine.Confirm(ue.Tick, ue.Handle, ue.Kind, payload)
		} else {
			c.interp.Push(ue.Handle, ue.Kind, payload, ue.Tick)
		}
		return nil
	})
	_, _ = c.events.Subscribe(replication.EventDespawned, func(ev bus.Event) error {
		de, ok := ev.Data().(replication.DespawnedEvent)
		if !ok {
			return nil
		}
		c.interp.Forget(de.Handle)
		if _, predicted := c.engine.Predicted(de.Handle); predicted {
			_ = c.engine.Demote(de.Handle)
		}
		return nil
	})
	_, _ = c.events.Subscribe(world.EventComponentChanged, func(ev bus.Event) error {
		ce, ok := ev.Data().(world.ComponentEvent)
		if !ok || c.sender == nil {
			return nil
		}
		c.sender.MarkChanged(ce.Handle, ce.Kind, c.clock.Now())
		return nil
	})
}

// Run dials the server and drives the session until the context is
// cancelled or the connection dies.
func (c *Client) Run(ctx context.Context) error {
	tc, err := c.tr.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s on %s: %w", c.tr.Type(), c.cfg.Addr, err)
	}
	c.tc = tc
	c.lastRecv = time.Now()

	lcfg := c.cfg.Link
	lcfg.MTU = tc.MTU()
	c.endpoint = link.NewEndpoint(lcfg, c.log)

	w := encoding.NewWriter(8)
	hello{Version: protocolVersion}.marshal(w)
	if _, err := c.endpoint.Send(ChannelActions, w.Bytes(), link.ReliableOrdered); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.tickLoop(ctx) })

	err = g.Wait()
	c.state.Store(int32(StateDisconnected))
	_ = tc.Close()
	_ = c.tr.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		data, err := c.tc.ReadDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		select {
		case c.inbox <- data:
		default:
			c.log.Warn("inbox full, dropping datagram")
		}
	}
}

func (c *Client) tickLoop(ctx context.Context) error {
	timer := time.NewTimer(c.clock.StepDuration())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := c.step(time.Now()); err != nil {
			return err
		}
		// The step duration follows the sync manager's rate nudging, so
		// the local clock drifts toward staying ahead of the server by
		// the configured margin.
		timer.Reset(c.clock.StepDuration())
	}
}

func (c *Client) step(now time.Time) error {
	c.drainInbox(now)
	c.routeMessages(now)

	if ping, due := c.syncmgr.Update(now); due {
		w := encoding.NewWriter(16)
		w.Uint8(uint8(kindPing))
		ping.Marshal(w)
		if _, err := c.endpoint.Send(ChannelTime, w.Bytes(), link.UnreliableUnordered); err != nil {
			c.log.Debug("ping send failed", log.Error(err))
		}
	}

	t := c.clock.Advance()
	c.store.DrainCommands()
	if c.receiver != nil {
		c.receiver.Tick(t)
	}

	if c.State() == StateConnected && c.syncmgr.State() != tick.SyncStateSyncing {
		if c.sampler != nil {
			if input := c.sampler(t); input != nil {
				if err := c.engine.RecordInput(t, input); err != nil {
					c.log.Debug("input record failed", log.Error(err))
				}
				c.sendInputs(t)
			}
		}
		c.engine.Advance(t)
	}

	if c.onTick != nil {
		c.onTick(t)
	}
	c.store.DrainCommands()

	if c.sender != nil {
		c.sender.HandleAcks(c.endpoint.Acked())
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
				c.log.Warn("replication send failed", log.Error(err))
				continue
			}
			c.sender.RecordSent(out, id)
		}
	}

	for _, dgram := range c.endpoint.Outgoing(now, t) {
		if err := c.tc.WriteDatagram(dgram); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}

	if now.Sub(c.lastRecv) > c.cfg.ConnTimeout {
		return fmt.Errorf("server timed out after %s", c.cfg.ConnTimeout)
	}
	return nil
}

func (c *Client) drainInbox(now time.Time) {
	for {
		select {
		case data := <-c.inbox:
			c.lastRecv = now
			if err := c.endpoint.HandleDatagram(data, now); err != nil {
				c.log.Debug("bad datagram", log.Error(err))
			}
		default:
			return
		}
	}
}

func (c *Client) routeMessages(now time.Time) {
	for _, msg := range c.endpoint.Poll() {
		if len(msg.Payload) == 0 {
			continue
		}
		kind := msgKind(msg.Payload[0])
		body := msg.Payload[1:]
		switch kind {
		case kindWelcome:
			c.handleWelcome(body)
		case kindPong:
			c.handlePong(body, now)
		case kindReplication:
			c.handleReplication(body)
		default:
			c.log.Debug("unroutable message", log.Uint8("kind", uint8(kind)))
		}
	}
}

func (c *Client) handleWelcome(body []byte) {
	var m welcome
	if err := m.unmarshal(encoding.NewReader(body)); err != nil {
		c.log.Error("malformed welcome", log.Error(err))
		return
	}
	if c.State() == StateConnected {
		return
	}
	c.id = m.ClientID
	c.auth = authority.NewManager(authority.ClientPeer(c.id), c.events)
	c.receiver = replication.NewReceiver(
		c.cfg.Receive, authority.ServerPeer, c.store, c.auth, c.reg, c.events, c.log)
	c.receiver.SetSpawnHook(func(local entity.Handle, at tick.Tick) {
		// Seed interpolation so the entity renders at spawn state until
		// a second snapshot arrives.
		for k, payload := range c.store.Snapshot(local) {
			c.interp.Seed(local, k, payload, at)
		}
	})
	scfg := c.cfg.Replication
	scfg.TickRate = c.cfg.TickRate
	scfg.Relay = false
	c.sender = replication.NewSender(scfg, c.store, c.auth, c.log)
	c.sender.SetMap(c.receiver.Map())
	c.state.Store(int32(StateConnected))
	c.log.Info("connected",
		log.Uint64("client", uint64(c.id)), log.Uint16("tick_rate", m.TickRate))
	if c.onReady != nil {
		c.onReady(c.id)
	}
}

func (c *Client) handlePong(body []byte, now time.Time) {
	var p tick.Pong
	if err := encoding.Unmarshal(body, &p); err != nil {
		return
	}
	c.syncmgr.HandlePong(p, now)
}

func (c *Client) handleReplication(body []byte) {
	if c.receiver == nil {
		return // state before the welcome is undecodable anyway
	}
	var m replication.Message
	if err := encoding.Unmarshal(body, &m); err != nil {
		c.log.Warn("malformed replication message", log.Error(err))
		return
	}
	c.receiver.Apply(&m)
}

func (c *Client) sendInputs(t tick.Tick) {
	msg := c.engine.InputWindow(t)
	w := encoding.NewWriter(64)
	w.Uint8(uint8(kindInput))
	msg.Marshal(w)
	if _, err := c.endpoint.Send(ChannelInput, w.Bytes(), link.UnreliableUnordered); err != nil {
		c.log.Debug("input send failed", log.Error(err))
	}
}
