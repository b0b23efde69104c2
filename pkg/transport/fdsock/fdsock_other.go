//go:build !unix

package fdsock

import (
	"context"
	"errors"
	"syscall"

	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/transport"
)

var errUnsupported = errors.New("fdsock: not supported on this platform")

// Socket is unavailable on this platform.
type Socket struct{}

func FromConn(syscall.Conn) (*Socket, error)               { return nil, errUnsupported }
func Dial(context.Context, string) (*Socket, error)        { return nil, errUnsupported }
func (*Socket) TryRead([]byte) (int, error)                { return 0, errUnsupported }
func (*Socket) TryWrite([]byte) (int, error)               { return 0, errUnsupported }
func (*Socket) Subscribe(transport.Interest) poll.Pollable { return poll.Ready() }
func (*Socket) Close() error                               { return nil }
