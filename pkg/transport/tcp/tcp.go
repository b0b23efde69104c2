// Package tcp provides the blocking TCP transport.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"tlsbridge/pkg/transport"
)

// Options configure dialed and accepted connections.
type Options struct {
	// Proxy is an optional proxy URL (socks5://[user:pass@]host:port).
	Proxy        string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) wrap(c net.Conn) *transport.Conn {
	return transport.NewConn(c, transport.KindTCP, transport.WithTimeouts(o.ReadTimeout, o.WriteTimeout))
}

// Dial connects to address, through the configured proxy if any.
func Dial(ctx context.Context, address string, opts Options) (*transport.Conn, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	d, err := dialer(opts.Proxy)
	if err != nil {
		return nil, err
	}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return opts.wrap(c), nil
}

func dialer(proxyURL string) (proxy.ContextDialer, error) {
	direct := &net.Dialer{}
	if proxyURL == "" {
		return direct, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("tcp: parse proxy url: %w", err)
	}
	pd, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("tcp: proxy: %w", err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("tcp: proxy dialer does not support contexts")
	}
	return cd, nil
}

// Listener accepts inbound TCP connections as transports.
type Listener struct {
	l       net.Listener
	opts    Options
	newCh   chan net.Conn
	closeCh chan struct{}
}

// Listen starts accepting on address until ctx is done or Close is called.
func Listen(ctx context.Context, address string, opts Options) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &Listener{l: l, opts: opts, newCh: make(chan net.Conn, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }

func (l *Listener) Accept(ctx context.Context) (*transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	case c := <-l.newCh:
		return l.opts.wrap(c), nil
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

func (l *Listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		select {
		case l.newCh <- c:
		case <-l.closeCh:
			_ = c.Close()
			return
		}
	}
}
