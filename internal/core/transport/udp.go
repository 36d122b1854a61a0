package transport

import (
	"context"
	"net"
	"sync"
)

const udpMTU = 1200

// UDPTransport carries datagrams over plain UDP. The listener demultiplexes
// inbound packets by source address into per-peer connections.
type UDPTransport struct {
	statsRecorder
	mu        sync.Mutex
	listeners []*udpListener
	closed    bool
}

func NewUDPTransport() *UDPTransport {
	return &UDPTransport{statsRecorder: newStatsRecorder()}
}

func (t *UDPTransport) Type() Type { return TypeUDP }

func (t *UDPTransport) Listen(_ context.Context, addr string) (Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	l := &udpListener{
		t:       t,
		sock:    sock,
		conns:   make(map[string]*udpConn),
		backlog: make(chan *udpConn, 16),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
	go l.readLoop()
	return l, nil
}

func (t *UDPTransport) Dial(_ context.Context, addr string) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	t.dialed.Add(1)
	c := &udpConn{
		t:      t,
		remote: udpAddr.String(),
		inbox:  make(chan []byte, 256),
		done:   make(chan struct{}),
		write: func(b []byte) (int, error) {
			return sock.Write(b)
		},
		onClose: func() { _ = sock.Close() },
	}
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := sock.Read(buf)
			if err != nil {
				c.closeInbox()
				return
			}
			t.recordRecv(n)
			c.deliver(append([]byte(nil), buf[:n]...))
		}
	}()
	return c, nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, l := range t.listeners {
		_ = l.Close()
	}
	return nil
}

type udpListener struct {
	t       *UDPTransport
	sock    *net.UDPConn
	mu      sync.Mutex
	conns   map[string]*udpConn
	backlog chan *udpConn
	done    chan struct{}
	closed  bool
}

func (l *udpListener) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := l.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		l.t.recordRecv(n)
		key := from.String()
		l.mu.Lock()
		c, ok := l.conns[key]
		if !ok {
			remote := *from
			c = &udpConn{
				t:      l.t,
				remote: key,
				inbox:  make(chan []byte, 256),
				done:   make(chan struct{}),
				write: func(b []byte) (int, error) {
					return l.sock.WriteToUDP(b, &remote)
				},
				onClose: func() {
					l.mu.Lock()
					delete(l.conns, key)
					l.mu.Unlock()
				},
			}
			l.conns[key] = c
			l.t.accepted.Add(1)
			select {
			case l.backlog <- c:
			default:
				// Backlog full: drop the connection attempt, the peer
				// will retry.
				delete(l.conns, key)
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()
		c.deliver(append([]byte(nil), buf[:n]...))
	}
}

func (l *udpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *udpListener) Addr() string { return l.sock.LocalAddr().String() }

func (l *udpListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return l.sock.Close()
}

type udpConn struct {
	t       *UDPTransport
	remote  string
	inbox   chan []byte
	done    chan struct{}
	write   func([]byte) (int, error)
	onClose func()
	once    sync.Once
}

func (c *udpConn) WriteDatagram(b []byte) error {
	if len(b) > udpMTU {
		return ErrDatagramTooBig
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	n, err := c.write(b)
	if err != nil {
		return err
	}
	c.t.recordSend(n)
	return nil
}

func (c *udpConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return b, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *udpConn) deliver(b []byte) {
	select {
	case c.inbox <- b:
	case <-c.done:
	default:
		// Inbox full: drop, UDP semantics allow it.
	}
}

func (c *udpConn) closeInbox() {
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *udpConn) MTU() int           { return udpMTU }
func (c *udpConn) RemoteAddr() string { return c.remote }

func (c *udpConn) Close() error {
	c.closeInbox()
	return nil
}
