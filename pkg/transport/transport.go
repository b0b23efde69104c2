package transport

import (
	"errors"
	"net"
	"time"

	"tlsbridge/pkg/poll"
)

// Kind identifies the transport instantiation, for logging and policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindWinPipe
	KindMem
	KindFDSock
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWinPipe:
		return "winpipe"
	case KindMem:
		return "mem"
	case KindFDSock:
		return "fdsock"
	default:
		return "unknown"
	}
}

// ParseKind maps a configured transport name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "tcp":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	case "winpipe":
		return KindWinPipe, nil
	case "mem":
		return KindMem, nil
	case "fdsock":
		return KindFDSock, nil
	}
	return KindUnknown, errors.New("transport: unknown kind " + s)
}

// Interest is the readiness direction a suspended operation waits on.
type Interest int

const (
	Readable Interest = iota
	Writable
)

func (i Interest) String() string {
	if i == Writable {
		return "writable"
	}
	return "readable"
}

// ErrWouldBlock is returned by suspend-capable transports when no progress is
// possible without waiting.
var ErrWouldBlock = errors.New("transport: would block")

// Transport is a reliable ordered byte stream.
//
// TryRead returns (0, io.EOF) at end of stream. TryWrite may accept fewer
// bytes than offered; the caller continues with the remainder.
type Transport interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	Close() error
}

// Suspendable is a Transport that returns ErrWouldBlock instead of blocking.
type Suspendable interface {
	Transport
	// Subscribe returns a pollable that becomes ready once the transport is
	// (probably) ready in the given direction.
	Subscribe(Interest) poll.Pollable
}

// Deadliner is implemented by blocking transports that can bound a read.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Describer is implemented by transports that know their kind and peer.
type Describer interface {
	Kind() Kind
	RemoteAddr() net.Addr
}
