// Package quic carries a TLS byte stream inside one QUIC bidirectional
// stream. The QUIC layer authenticates nothing; identity is left to the TLS
// connection running over it.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"tlsbridge/pkg/transport"
)

const alpn = "tlsbridge"

// Options configure dialed and accepted streams.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (o Options) quicConfig() *quicgo.Config {
	return &quicgo.Config{MaxIdleTimeout: o.IdleTimeout}
}

// stream binds a QUIC stream to its connection so closing the transport
// tears down both.
type stream struct {
	quicgo.Stream
	conn quicgo.Connection
}

func (s *stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *stream) Close() error {
	err := s.Stream.Close()
	s.Stream.CancelRead(0)
	// CloseWithError discards unacknowledged stream data; give the peer a
	// moment to read the final flight.
	go func() {
		t := time.NewTimer(500 * time.Millisecond)
		defer t.Stop()
		select {
		case <-s.conn.Context().Done():
		case <-t.C:
		}
		_ = s.conn.CloseWithError(0, "")
	}()
	return err
}

func wrap(st quicgo.Stream, c quicgo.Connection, o Options) *transport.Conn {
	return transport.NewConn(&stream{Stream: st, conn: c}, transport.KindQUIC, transport.WithTimeouts(o.ReadTimeout, o.WriteTimeout))
}

// Dial opens a QUIC connection and its single stream.
func Dial(ctx context.Context, address string, opts Options) (*transport.Conn, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, opts.quicConfig())
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, err
	}
	return wrap(st, c, opts), nil
}

// Listener accepts QUIC connections and hands out their first stream.
type Listener struct {
	l       *quicgo.Listener
	opts    Options
	newCh   chan *transport.Conn
	closeCh chan struct{}
}

// Listen starts accepting until ctx is done or Close is called. The QUIC
// handshake uses an ephemeral self-signed certificate.
func Listen(ctx context.Context, address string, opts Options) (*Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(address, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, err
	}
	ql := &Listener{l: l, opts: opts, newCh: make(chan *transport.Conn, 8), closeCh: make(chan struct{})}
	loopCtx, cancel := context.WithCancel(ctx)
	go ql.acceptLoop(loopCtx)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
			_ = ql.Close()
		case <-ql.closeCh:
		}
	}()
	return ql, nil
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }

func (l *Listener) Accept(ctx context.Context) (*transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *Listener) Close() error {
	select {
	case <-l.closeCh:
		return nil
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go l.acceptStream(ctx, c)
	}
}

func (l *Listener) acceptStream(ctx context.Context, c quicgo.Connection) {
	st, err := c.AcceptStream(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return
	}
	select {
	case l.newCh <- wrap(st, c, l.opts):
	case <-l.closeCh:
		_ = c.CloseWithError(0, "")
	}
}

var errNoCert = errors.New("quic: could not build listener certificate")

// selfSignedCert generates a short-lived self-signed certificate for the QUIC layer.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, errors.Join(errNoCert, err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, errors.Join(errNoCert, err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
