//go:build windows

package winpipe

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"

	"tlsbridge/pkg/transport"
)

func (o Options) wrap(c net.Conn) *transport.Conn {
	return transport.NewConn(c, transport.KindWinPipe, transport.WithTimeouts(o.ReadTimeout, o.WriteTimeout))
}

// Dial connects to a named pipe such as \\.\pipe\tlsbridge.
func Dial(ctx context.Context, pipeName string, opts Options) (*transport.Conn, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	return opts.wrap(c), nil
}

// Listener accepts named pipe clients as transports.
type Listener struct {
	l       net.Listener
	opts    Options
	newCh   chan net.Conn
	closeCh chan struct{}
}

func Listen(ctx context.Context, pipeName string, opts Options) (*Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	wl := &Listener{l: l, opts: opts, newCh: make(chan net.Conn, 8), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = wl.Close()
		case <-wl.closeCh:
		}
	}()
	return wl, nil
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
