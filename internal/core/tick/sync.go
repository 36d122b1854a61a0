package tick

import (
	"time"

	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/pkg/encoding"
)

// SyncState reports how well the local clock tracks the remote one.
type SyncState int

const (
	SyncStateSyncing SyncState = iota
	SyncStateSynced
	SyncStateDegraded
)

func (s SyncState) String() string {
	switch s {
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSynced:
		return "synced"
	case SyncStateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Ping is sent by the client at a fixed interval. The send time is kept
// locally; only the id and the client's current tick go on the wire.
type Ping struct {
	ID         uint16
	ClientTick Tick
}

// Pong echoes a ping. Delay is the server-side time between receiving the
// ping and sending the pong, so it can be subtracted from the round trip.
type Pong struct {
	ID         uint16
	ClientTick Tick
	ServerTick Tick
	Delay      time.Duration
}

var (
	_ encoding.Serializable = (*Ping)(nil)
	_ encoding.Serializable = (*Pong)(nil)
)

func (p Ping) Marshal(w *encoding.Writer) {
	w.Uint16(p.ID)
	w.Uvarint(uint64(p.ClientTick))
}

func (p *Ping) Unmarshal(r *encoding.Reader) error {
	p.ID = r.Uint16()
	p.ClientTick = Tick(r.Uvarint())
	return r.Err()
}

func (p Pong) Marshal(w *encoding.Writer) {
	w.Uint16(p.ID)
	w.Uvarint(uint64(p.ClientTick))
	w.Uvarint(uint64(p.ServerTick))
	w.Uvarint(uint64(p.Delay))
}

func (p *Pong) Unmarshal(r *encoding.Reader) error {
	p.ID = r.Uint16()
	p.ClientTick = Tick(r.Uvarint())
	p.ServerTick = Tick(r.Uvarint())
	p.Delay = time.Duration(r.Uvarint())
	return r.Err()
}

// SyncConfig holds the clock synchronization knobs.
type SyncConfig struct {
	// PingInterval is how often a ping is emitted.
	PingInterval time.Duration `yaml:"ping_interval"`
	// TimeoutMultiple marks the connection degraded after this many ping
	// intervals without a pong.
	TimeoutMultiple int `yaml:"timeout_multiple"`
	// Smoothing is the EWMA weight given to each new RTT/offset sample.
	Smoothing float64 `yaml:"smoothing"`
	// ToleranceTicks is the drift band, in ticks, inside which the clock is
	// left alone.
	ToleranceTicks float64 `yaml:"tolerance_ticks"`
	// NudgeFactor is the bounded rate adjustment applied while outside the
	// tolerance band.
	NudgeFactor float64 `yaml:"nudge_factor"`
	// MarginTicks is added to the computed lead so client input arrives
	// before the server simulates the matching tick, absorbing jitter.
	MarginTicks float64 `yaml:"margin_ticks"`
}

// DefaultSyncConfig returns the default clock synchronization settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PingInterval:    100 * time.Millisecond,
		TimeoutMultiple: 30,
		Smoothing:       0.1,
		ToleranceTicks:  1.0,
		NudgeFactor:     0.05,
		MarginTicks:     1.5,
	}
}

// SyncManager runs on the client. It estimates RTT and clock offset from
// ping/pong exchanges and steers the local clock so that input for tick T
// reaches the server before the server processes tick T.
//
// If pongs stop arriving the state degrades but the clock keeps free-running
// on its last known offset.
type SyncManager struct {
	cfg   SyncConfig
	clock *Clock
	log   log.Log

	nextID   uint16
	inFlight map[uint16]time.Time
	lastPing time.Time
	lastPong time.Time

	rtt        time.Duration
	rttValid   bool
	serverTick float64   // estimated server tick at estimatedAt
	estimateAt time.Time // when serverTick was estimated
	estValid   bool

	state   SyncState
	snapped bool
}

// NewSyncManager creates a sync manager driving the given clock.
func NewSyncManager(cfg SyncConfig, clock *Clock, logger log.Log) *SyncManager {
	return &SyncManager{
		cfg:      cfg,
		clock:    clock,
		log:      logger.With(log.String("component", "tick_sync")),
		inFlight: make(map[uint16]time.Time),
		state:    SyncStateSyncing,
	}
}

// State returns the current synchronization state.
func (m *SyncManager) State() SyncState { return m.state }

// RTT returns the smoothed round-trip estimate, zero until the first pong.
func (m *SyncManager) RTT() time.Duration { return m.rtt }

// Update emits a ping when the interval has elapsed and checks for pong
// timeout. Called once per tick; never blocks.
func (m *SyncManager) Update(now time.Time) (Ping, bool) {
	if !m.lastPong.IsZero() || !m.lastPing.IsZero() {
		deadline := m.lastPongOrStart().Add(time.Duration(m.cfg.TimeoutMultiple) * m.cfg.PingInterval)
		if now.After(deadline) && m.state != SyncStateDegraded {
			m.state = SyncStateDegraded
			m.log.Warn("clock sync degraded, no pong within timeout",
				log.Duration("since_last_pong", now.Sub(m.lastPongOrStart())))
		}
	}

	if !m.lastPing.IsZero() && now.Sub(m.lastPing) < m.cfg.PingInterval {
		return Ping{}, false
	}
	m.lastPing = now
	m.nextID++
	id := m.nextID
	m.inFlight[id] = now
	// Drop stale in-flight entries so the map stays bounded under loss.
	for pid, sent := range m.inFlight {
		if now.Sub(sent) > 10*m.cfg.PingInterval {
			delete(m.inFlight, pid)
		}
	}
	return Ping{ID: id, ClientTick: m.clock.Now()}, true
}

func (m *SyncManager) lastPongOrStart() time.Time {
	if m.lastPong.IsZero() {
		return m.lastPing
	}
	return m.lastPong
}

// HandlePong folds one pong into the RTT and offset estimates and nudges the
// clock if the drift left the tolerance band.
func (m *SyncManager) HandlePong(p Pong, now time.Time) {
	sent, ok := m.inFlight[p.ID]
	if !ok {
		return // duplicate or expired
	}
	delete(m.inFlight, p.ID)
	m.lastPong = now

	sample := now.Sub(sent) - p.Delay
	if sample < 0 {
		sample = 0
	}
	if !m.rttValid {
		m.rtt = sample
		m.rttValid = true
	} else {
		m.rtt = ewma(m.rtt, sample, m.cfg.Smoothing)
	}

	// The server tick at arrival time of the pong is approximately the
	// stamped tick plus half an RTT of elapsed simulation.
	interval := m.clock.Interval()
	est := float64(p.ServerTick) + float64(m.rtt/2)/float64(interval)
	if !m.estValid {
		m.serverTick = est
		m.estValid = true
	} else {
		elapsed := now.Sub(m.estimateAt)
		predicted := m.serverTick + float64(elapsed)/float64(interval)
		m.serverTick = predicted + m.cfg.Smoothing*(est-predicted)
	}
	m.estimateAt = now

	m.steer()
	if m.state == SyncStateDegraded {
		m.log.Info("clock sync recovered")
	}
	if m.state != SyncStateSynced {
		m.state = SyncStateSynced
	}
}

// steer compares the local tick against the desired lead over the estimated
// server tick and applies a bounded speed adjustment with hysteresis.
func (m *SyncManager) steer() {
	interval := m.clock.Interval()
	lead := float64(m.rtt/2)/float64(interval) + m.cfg.MarginTicks
	desired := m.serverTick + lead
	errTicks := desired - float64(m.clock.Now())

	if !m.snapped {
		// First estimate: snap once so steady state only ever nudges.
		m.clock.Set(Tick(int64(desired + 0.5)))
		m.snapped = true
		m.log.Info("clock snapped to server timeline",
			log.Uint64("tick", uint64(m.clock.Now())),
			log.Duration("rtt", m.rtt))
		return
	}

	switch {
	case errTicks > m.cfg.ToleranceTicks:
		m.clock.SetRate(1.0 + m.cfg.NudgeFactor)
	case errTicks < -m.cfg.ToleranceTicks:
		m.clock.SetRate(1.0 - m.cfg.NudgeFactor)
	case errTicks > -m.cfg.ToleranceTicks/2 && errTicks < m.cfg.ToleranceTicks/2:
		// Inner band: stop nudging. The gap between the inner and outer
		// band is the hysteresis that prevents rate flapping.
		m.clock.SetRate(1.0)
	}
}

// HandlePing is the server side: build the pong for an incoming ping.
func HandlePing(p Ping, serverTick Tick, delay time.Duration) Pong {
	return Pong{
		ID:         p.ID,
		ClientTick: p.ClientTick,
		ServerTick: serverTick,
		Delay:      delay,
	}
}

func ewma(prev, sample time.Duration, alpha float64) time.Duration {
	return time.Duration(float64(prev)*(1-alpha) + float64(sample)*alpha)
}
