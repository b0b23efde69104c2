// Package transports builds the configured byte transport by kind.
package transports

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"go.uber.org/zap"

	"tlsbridge/pkg/config"
	"tlsbridge/pkg/transport"
	"tlsbridge/pkg/transport/fdsock"
	tquic "tlsbridge/pkg/transport/quic"
	ttcp "tlsbridge/pkg/transport/tcp"
	"tlsbridge/pkg/transport/winpipe"
)

// Listener accepts blocking transports.
type Listener interface {
	Accept(ctx context.Context) (*transport.Conn, error)
	Addr() net.Addr
	Close() error
}

// ErrUnknownKind reports a transport kind with no implementation.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

func kindOf(c config.TransportConfig) (transport.Kind, error) {
	k, _ := transport.ParseKind(c.Kind)
	switch k {
	case transport.KindTCP, transport.KindQUIC, transport.KindWinPipe:
		return k, nil
	}
	return transport.KindUnknown, ErrUnknownKind(c.Kind)
}

func dialOnce(ctx context.Context, k transport.Kind, c config.TransportConfig) (*transport.Conn, error) {
	switch k {
	case transport.KindQUIC:
		return tquic.Dial(ctx, c.Address, tquic.Options{ReadTimeout: c.ReadTimeout, WriteTimeout: c.WriteTimeout})
	case transport.KindWinPipe:
		return winpipe.Dial(ctx, c.Address, winpipe.Options{ReadTimeout: c.ReadTimeout, WriteTimeout: c.WriteTimeout})
	default:
		return ttcp.Dial(ctx, c.Address, ttcp.Options{
			Proxy:        c.Proxy,
			DialTimeout:  c.DialTimeout,
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
		})
	}
}

// Dial connects to c.Address, retrying up to c.DialAttempts times with
// exponential backoff.
func Dial(ctx context.Context, c config.TransportConfig) (*transport.Conn, error) {
	k, err := kindOf(c)
	if err != nil {
		return nil, err
	}
	var conn *transport.Conn
	err = retry(ctx, c, func() error {
		var err error
		conn, err = dialOnce(ctx, k, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("dialed", zap.Stringer("kind", k), zap.String("addr", c.Address))
	return conn, nil
}

// DialAsync connects over TCP and returns a suspend-capable socket.
func DialAsync(ctx context.Context, c config.TransportConfig) (*fdsock.Socket, error) {
	if k, _ := transport.ParseKind(c.Kind); k != transport.KindTCP && k != transport.KindFDSock {
		return nil, fmt.Errorf("suspend-capable dial needs tcp, got %q", c.Kind)
	}
	var s *fdsock.Socket
	err := retry(ctx, c, func() error {
		dctx := ctx
		if c.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
			defer cancel()
		}
		var err error
		s, err = fdsock.Dial(dctx, c.Address)
		return err
	})
	return s, err
}

// Listen opens a listener for the configured kind.
func Listen(ctx context.Context, c config.TransportConfig) (Listener, error) {
	k, err := kindOf(c)
	if err != nil {
		return nil, err
	}
	var l Listener
	switch k {
	case transport.KindQUIC:
		l, err = tquic.Listen(ctx, c.Address, tquic.Options{ReadTimeout: c.ReadTimeout, WriteTimeout: c.WriteTimeout})
	case transport.KindWinPipe:
		l, err = winpipe.Listen(ctx, c.Address, winpipe.Options{ReadTimeout: c.ReadTimeout, WriteTimeout: c.WriteTimeout})
	default:
		l, err = ttcp.Listen(ctx, c.Address, ttcp.Options{ReadTimeout: c.ReadTimeout, WriteTimeout: c.WriteTimeout})
	}
	if err != nil {
		return nil, err
	}
	zap.L().Info("listening", zap.Stringer("kind", k), zap.String("addr", l.Addr().String()))
	return l, nil
}

func retry(ctx context.Context, c config.TransportConfig, fn func() error) error {
	backoff := time.Duration(c.DialBackoffInitialMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxBackoff := time.Duration(c.DialBackoffMaxMS) * time.Millisecond
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	jitter := time.Duration(c.DialBackoffJitterMS) * time.Millisecond

	attempts := max(c.DialAttempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		zap.L().Warn("dial failed", zap.String("kind", c.Kind), zap.String("addr", c.Address), zap.Int("attempt", i+1), zap.Error(err))
		t := time.NewTimer(withJitter(backoff, jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("dial %s %s: %w", c.Kind, c.Address, err)
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + rand.N(jitter)
}
