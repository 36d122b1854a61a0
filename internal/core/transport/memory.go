package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const memoryMTU = 1200

// MemoryConfig shapes the simulated network of a memory transport.
type MemoryConfig struct {
	// LossRate is the probability in [0,1] that a datagram is dropped.
	LossRate float64
	// ReorderRate is the probability that a datagram is delayed behind the
	// next one.
	ReorderRate float64
	// Latency is the one-way delivery delay.
	Latency time.Duration
	// Seed makes the loss/reorder pattern reproducible. Zero seeds from the
	// clock.
	Seed int64
}

// MemoryTransport is an in-process loopback with configurable loss, reorder
// and latency. It exists for tests: the link layer's reliability and the
// replication retry paths are exercised against it without touching a socket.
type MemoryTransport struct {
	statsRecorder
	cfg MemoryConfig
	rng *rand.Rand
	mu  sync.Mutex

	listeners map[string]*memListener
}

func NewMemoryTransport(cfg MemoryConfig) *MemoryTransport {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MemoryTransport{
		statsRecorder: newStatsRecorder(),
		cfg:           cfg,
		rng:           rand.New(rand.NewSource(seed)),
		listeners:     make(map[string]*memListener),
	}
}

func (t *MemoryTransport) Type() Type { return TypeMemory }

func (t *MemoryTransport) Listen(_ context.Context, addr string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[addr]; exists {
		return nil, ErrClosed
	}
	l := &memListener{
		t:       t,
		addr:    addr,
		backlog: make(chan *memConn, 16),
		done:    make(chan struct{}),
	}
	t.listeners[addr] = l
	return l, nil
}

func (t *MemoryTransport) Dial(_ context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}

	clientSide := &memConn{t: t, remote: addr, inbox: make(chan []byte, 1024), done: make(chan struct{})}
	serverSide := &memConn{t: t, remote: "dialer", inbox: make(chan []byte, 1024), done: make(chan struct{})}
	clientSide.peer = serverSide
	serverSide.peer = clientSide

	select {
	case l.backlog <- serverSide:
	case <-l.done:
		return nil, ErrClosed
	}
	t.dialed.Add(1)
	return clientSide, nil
}

func (t *MemoryTransport) Close() error { return nil }

// shouldDrop consults the configured loss rate.
func (t *MemoryTransport) shouldDrop() bool {
	if t.cfg.LossRate <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.cfg.LossRate
}

func (t *MemoryTransport) shouldReorder() bool {
	if t.cfg.ReorderRate <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < t.cfg.ReorderRate
}

type memListener struct {
	t       *MemoryTransport
	addr    string
	backlog chan *memConn
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.backlog:
		l.t.accepted.Add(1)
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.t.mu.Lock()
		delete(l.t.listeners, l.addr)
		l.t.mu.Unlock()
	})
	return nil
}

type memConn struct {
	t      *MemoryTransport
	peer   *memConn
	remote string
	inbox  chan []byte
	done   chan struct{}
	once   sync.Once

	// held delays one datagram to simulate reordering
	heldMu sync.Mutex
	held   []byte
}

func (c *memConn) WriteDatagram(b []byte) error {
	if len(b) > memoryMTU {
		return ErrDatagramTooBig
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.t.recordSend(len(b))
	if c.t.shouldDrop() {
		return nil
	}
	payload := append([]byte(nil), b...)

	c.heldMu.Lock()
	if c.held != nil {
		// Deliver the held datagram after this one.
		prev := c.held
		c.held = nil
		c.heldMu.Unlock()
		c.deliver(payload)
		c.deliver(prev)
		return nil
	}
	if c.t.shouldReorder() {
		c.held = payload
		c.heldMu.Unlock()
		return nil
	}
	c.heldMu.Unlock()
	c.deliver(payload)
	return nil
}

func (c *memConn) deliver(b []byte) {
	peer := c.peer
	send := func() {
		c.t.recordRecv(len(b))
		select {
		case peer.inbox <- b:
		case <-peer.done:
		default:
		}
	}
	if c.t.cfg.Latency > 0 {
		time.AfterFunc(c.t.cfg.Latency, send)
		return
	}
	send()
}

func (c *memConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) MTU() int           { return memoryMTU }
func (c *memConn) RemoteAddr() string { return c.remote }

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
