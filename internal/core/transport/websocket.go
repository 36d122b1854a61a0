package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket frames are message-delimited already, so the MTU is only bounded
// by what we are willing to buffer per message.
const wsMTU = 16 * 1024

// WebSocketTransport carries datagrams as binary WebSocket messages. The
// underlying TCP stream makes delivery reliable and ordered; the link layer
// does not depend on that but tolerates it. Useful for browser-adjacent
// clients and environments that block UDP.
type WebSocketTransport struct {
	statsRecorder
	upgrader websocket.Upgrader
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		statsRecorder: newStatsRecorder(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsMTU,
			WriteBufferSize: wsMTU,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (t *WebSocketTransport) Type() Type { return TypeWebSocket }

func (t *WebSocketTransport) Listen(_ context.Context, addr string) (Listener, error) {
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		t:       t,
		tcp:     tcpListener,
		backlog: make(chan Conn, 16),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.server = &http.Server{Handler: mux}
	go func() { _ = l.server.Serve(tcpListener) }()
	return l, nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+"/", nil)
	if err != nil {
		return nil, err
	}
	t.dialed.Add(1)
	return newWSConn(t, conn), nil
}

func (t *WebSocketTransport) Close() error { return nil }

type wsListener struct {
	t       *WebSocketTransport
	tcp     net.Listener
	server  *http.Server
	backlog chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.t.accepted.Add(1)
	select {
	case l.backlog <- newWSConn(l.t, conn):
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() string { return l.tcp.Addr().String() }

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.server.Close()
}

type wsConn struct {
	t       *WebSocketTransport
	inner   *websocket.Conn
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func newWSConn(t *WebSocketTransport, inner *websocket.Conn) *wsConn {
	c := &wsConn{
		t:     t,
		inner: inner,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		msgType, data, err := c.inner.ReadMessage()
		if err != nil {
			c.shutdown()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.t.recordRecv(len(data))
		select {
		case c.inbox <- data:
		case <-c.done:
			return
		default:
			// Inbox full: drop to preserve datagram semantics instead of
			// backpressuring the socket.
		}
	}
}

func (c *wsConn) WriteDatagram(b []byte) error {
	if len(b) > wsMTU {
		return ErrDatagramTooBig
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.inner.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	c.t.recordSend(len(b))
	return nil
}

func (c *wsConn) ReadDatagram(ctx context.Context) ([]byte, error) {
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

func (c *wsConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) MTU() int           { return wsMTU }
func (c *wsConn) RemoteAddr() string { return c.inner.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.shutdown()
	return c.inner.Close()
}
