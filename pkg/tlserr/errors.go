package tlserr

import (
	"errors"
	"strings"
)

// Kind categorizes a failure.
type Kind string

const (
	KindTransport           Kind = "transport"            // I/O failure on the underlying transport
	KindProtocol            Kind = "protocol"             // malformed/unexpected record, truncation
	KindCertificateRejected Kind = "certificate_rejected" // peer identity failed verification
	KindHandshakeFailed     Kind = "handshake_failed"     // negotiation failure
	KindClosedByPeer        Kind = "closed_by_peer"       // clean close_notify received
	KindState               Kind = "state"                // operation attempted in the wrong state
	KindInternal            Kind = "internal"             // engine-internal fault
)

// Sentinels for errors.Is matching. An *Error matches the sentinel of its Kind.
var (
	ErrTransport           = &Error{Kind: KindTransport}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrCertificateRejected = &Error{Kind: KindCertificateRejected}
	ErrHandshakeFailed     = &Error{Kind: KindHandshakeFailed}
	ErrClosedByPeer        = &Error{Kind: KindClosedByPeer}
	ErrState               = &Error{Kind: KindState}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is the structured failure type.
type Error struct {
	Kind   Kind
	Op     string // logical operation: handshake, read, write, shutdown
	State  string // connection state when the error was raised
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tls")
	if e.Op != "" {
		b.WriteByte(' ')
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.State != "" {
		b.WriteString(" [state ")
		b.WriteString(e.State)
		b.WriteByte(']')
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Timeout reports whether the cause is a transport timeout.
func (e *Error) Timeout() bool {
	var te interface{ Timeout() bool }
	if errors.As(e.Err, &te) {
		return te.Timeout()
	}
	return false
}

// New returns an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap returns an *Error of the given kind caused by err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// State builds a StateError for op attempted while in state.
func State(op, state, detail string) *Error {
	return &Error{Kind: KindState, Op: op, State: state, Detail: detail}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithOp returns a copy of err annotated with op and state. Non-*Error values
// are wrapped as KindInternal.
func WithOp(err error, op, state string) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindInternal, Op: op, State: state, Err: err}
	}
	cp := *e
	if cp.Op == "" {
		cp.Op = op
	}
	if cp.State == "" {
		cp.State = state
	}
	return &cp
}
