package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "syncline-1"

// QUIC datagram frames carry their own framing overhead inside the UDP
// payload, so the usable size sits a little under the UDP MTU.
const quicMTU = 1150

// QUICTransport carries datagrams inside QUIC DATAGRAM frames. The QUIC
// handshake provides encryption and connection identity; delivery stays
// unreliable, which is exactly what the link layer wants.
type QUICTransport struct {
	statsRecorder
	tlsConf *tls.Config
}

// NewQUICTransport creates a QUIC transport. A nil tlsConf gets a
// self-signed development certificate.
func NewQUICTransport(tlsConf *tls.Config) (*QUICTransport, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = GenerateSelfSignedTLS()
		if err != nil {
			return nil, err
		}
	}
	return &QUICTransport{statsRecorder: newStatsRecorder(), tlsConf: tlsConf}, nil
}

func (t *QUICTransport) Type() Type { return TypeQUIC }

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

func (t *QUICTransport) Listen(_ context.Context, addr string) (Listener, error) {
	l, err := quic.ListenAddr(addr, t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}
	return &quicListener{t: t, inner: l}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	clientTLS := t.tlsConf.Clone()
	clientTLS.InsecureSkipVerify = true
	conn, err := quic.DialAddr(ctx, addr, clientTLS, t.quicConfig())
	if err != nil {
		return nil, err
	}
	t.dialed.Add(1)
	return &quicConn{t: t, inner: conn}, nil
}

func (t *QUICTransport) Close() error { return nil }

type quicListener struct {
	t     *QUICTransport
	inner *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	l.t.accepted.Add(1)
	return &quicConn{t: l.t, inner: conn}, nil
}

func (l *quicListener) Addr() string { return l.inner.Addr().String() }
func (l *quicListener) Close() error { return l.inner.Close() }

type quicConn struct {
	t     *QUICTransport
	inner *quic.Conn
}

func (c *quicConn) WriteDatagram(b []byte) error {
	if len(b) > quicMTU {
		return ErrDatagramTooBig
	}
	if err := c.inner.SendDatagram(b); err != nil {
		return err
	}
	c.t.recordSend(len(b))
	return nil
}

func (c *quicConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	b, err := c.inner.ReceiveDatagram(ctx)
	if err != nil {
		return nil, err
	}
	c.t.recordRecv(len(b))
	return b, nil
}

func (c *quicConn) MTU() int           { return quicMTU }
func (c *quicConn) RemoteAddr() string { return c.inner.RemoteAddr().String() }

func (c *quicConn) Close() error {
	return c.inner.CloseWithError(0, "closed")
}

// GenerateSelfSignedTLS generates a self-signed TLS certificate for
// development and tests.
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"syncline"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privateKey,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
