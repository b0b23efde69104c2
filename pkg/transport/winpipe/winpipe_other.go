//go:build !windows

package winpipe

import (
	"context"
	"errors"
	"net"

	"tlsbridge/pkg/transport"
)

var errUnsupported = errors.New("winpipe: named pipes require windows")

// Listener is unavailable on this platform.
type Listener struct{}

func Dial(context.Context, string, Options) (*transport.Conn, error) {
	return nil, errUnsupported
}

func Listen(context.Context, string, Options) (*Listener, error) {
	return nil, errUnsupported
}

func (*Listener) Addr() net.Addr { return nil }

func (*Listener) Accept(context.Context) (*transport.Conn, error) {
	return nil, errUnsupported
}

func (*Listener) Close() error { return nil }
