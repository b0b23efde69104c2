// Package engine defines the binding between the I/O driver and a TLS engine.
//
// An Engine never touches the transport. Every operation is a single call
// that receives the currently buffered ciphertext, appends any wire bytes it
// wants sent to out, and reports one of four outcomes. The driver loops on
// WantRead/WantWrite; that loop is the only retry logic.
package engine

import (
	"go.uber.org/zap"
)

// Status is the outcome of one engine call.
type Status int

const (
	// Complete: the operation finished. Out may still hold bytes to flush.
	Complete Status = iota
	// WantRead: all usable input was consumed and more is needed.
	WantRead
	// WantWrite: Out holds bytes that must reach the transport first.
	WantWrite
	// Failed: Err holds the classified reason. Out may hold an alert.
	Failed
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case WantRead:
		return "want_read"
	case WantWrite:
		return "want_write"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result of one engine call.
type Result struct {
	Status Status
	// Consumed is the number of input bytes the engine used.
	Consumed int
	// N is plaintext produced (Decrypt) or accepted (Encrypt).
	N int
	// Out holds wire bytes for the transport, appended to the caller's out
	// slice for the calls that take one.
	Out []byte
	// Err is a *tlserr.Error when Status is Failed.
	Err error
}

// Role selects the handshake side.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// Engine is a per-connection TLS state machine.
type Engine interface {
	Handshake(in, out []byte) Result
	Encrypt(p, out []byte) Result
	// Decrypt reports the peer's close_notify as Failed with
	// tlserr.KindClosedByPeer; the driver turns it into end of stream.
	Decrypt(in, p []byte) Result
	// Shutdown sends close_notify on the first call. It returns Complete
	// once the peer's close_notify has been seen, WantRead while waiting.
	Shutdown(in, out []byte) Result
	// Buffered is the plaintext readable without more input.
	Buffered() int
	State() ConnectionState
	Close() error
}

// ChannelBinder is implemented by engines that can export RFC 5929
// tls-server-end-point channel binding data.
type ChannelBinder interface {
	ChannelBinding() ([]byte, error)
}

// ConnectionState describes the negotiated session.
type ConnectionState struct {
	HandshakeComplete  bool
	Version            string
	CipherSuite        string
	ServerName         string
	NegotiatedProtocol string
	// PeerIdentity is the identity the peer presented (subject CN or DNS name).
	PeerIdentity string
	// PeerCertificates are DER encoded, leaf first.
	PeerCertificates [][]byte
	// PeerClosed is set once the peer's close_notify was received.
	PeerClosed bool
}

// Factory creates an Engine for one connection.
type Factory func(role Role, cfg Config, log *zap.Logger) (Engine, error)
