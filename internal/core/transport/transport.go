// Package transport abstracts the unreliable datagram layer the link channel
// runs on. Implementations make no delivery or ordering promises; everything
// above assumes datagrams can be lost, duplicated or reordered.
package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type Type string

const (
	TypeUDP       Type = "udp"
	TypeQUIC      Type = "quic"
	TypeWebSocket Type = "websocket"
	TypeMemory    Type = "memory"
)

var (
	ErrClosed         = errors.New("transport is closed")
	ErrDatagramTooBig = errors.New("datagram exceeds transport MTU")
	ErrNotSupported   = errors.New("transport type not supported")
)

// Conn is a single peer-to-peer datagram connection.
type Conn interface {
	// WriteDatagram sends one datagram, best effort. Never blocks on the
	// remote peer.
	WriteDatagram(b []byte) error
	// ReadDatagram blocks until a datagram arrives, the context is
	// cancelled, or the connection closes.
	ReadDatagram(ctx context.Context) ([]byte, error)
	// MTU is the largest datagram the transport will carry. The link layer
	// fragments anything bigger.
	MTU() int
	RemoteAddr() string
	Close() error
}

// Listener accepts inbound connections on the authoritative side.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Transport creates listeners and dials peers.
type Transport interface {
	Type() Type
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
	Stats() Stats
	Close() error
}

// Stats holds transport-level counters, updated atomically.
type Stats struct {
	ConnectionsAccepted uint64
	ConnectionsDialed   uint64
	DatagramsSent       uint64
	DatagramsReceived   uint64
	BytesSent           uint64
	BytesReceived       uint64
	Uptime              time.Duration
}

// statsRecorder is embedded by the concrete transports.
type statsRecorder struct {
	accepted  atomic.Uint64
	dialed    atomic.Uint64
	dgramsOut atomic.Uint64
	dgramsIn  atomic.Uint64
	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64
	start     time.Time
}

func newStatsRecorder() statsRecorder {
	return statsRecorder{start: time.Now()}
}

func (s *statsRecorder) recordSend(n int) {
	s.dgramsOut.Add(1)
	s.bytesOut.Add(uint64(n))
}

func (s *statsRecorder) recordRecv(n int) {
	s.dgramsIn.Add(1)
	s.bytesIn.Add(uint64(n))
}

func (s *statsRecorder) Stats() Stats {
	return Stats{
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsDialed:   s.dialed.Load(),
		DatagramsSent:       s.dgramsOut.Load(),
		DatagramsReceived:   s.dgramsIn.Load(),
		BytesSent:           s.bytesOut.Load(),
		BytesReceived:       s.bytesIn.Load(),
		Uptime:              time.Since(s.start),
	}
}

// sharedMemory is the process-wide loopback handed out for TypeMemory, so a
// server and a client configured by type find each other's listeners.
var sharedMemory = NewMemoryTransport(MemoryConfig{})

// New creates a transport of the named type with default settings.
func New(t Type) (Transport, error) {
	switch t {
	case TypeUDP:
		return NewUDPTransport(), nil
	case TypeQUIC:
		return NewQUICTransport(nil)
	case TypeWebSocket:
		return NewWebSocketTransport(), nil
	case TypeMemory:
		return sharedMemory, nil
	default:
		return nil, ErrNotSupported
	}
}
