// Package gotls drives crypto/tls through the engine binding.
//
// A tls.Conn runs over an in-memory bio. Each logical operation runs on a
// worker goroutine; a call feeds the caller's input to the bio and waits
// until the worker finishes or parks for more input. Output the worker wrote
// meanwhile is returned as WantWrite, a finished operation as Complete, a
// parked one as WantRead. A parked worker survives across calls, so a
// suspended operation resumes where crypto/tls stopped.
package gotls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"

	"go.uber.org/zap"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/tlserr"
)

// readBufferSize holds one maximum-size TLS record of plaintext.
const readBufferSize = 16 << 10

type opKind int

const (
	opHandshake opKind = iota
	opRead
)

// op is a worker-run tls.Conn call. Fields are guarded by bio.mu.
type op struct {
	kind opKind
	done bool
	n    int
	err  error
}

// Engine implements engine.Engine over crypto/tls.
type Engine struct {
	role   engine.Role
	log    *zap.Logger
	b      *bio
	conn   *tls.Conn
	ctx    context.Context
	cancel context.CancelFunc

	localCert []byte

	op      *op
	rbuf    []byte
	plain   []byte
	readErr error

	handshakeDone bool
	sentClose     bool
	peerClosed    bool
	failed        error
}

var _ engine.ChannelBinder = (*Engine)(nil)

// Factory returns an engine.Factory for crypto/tls engines.
func Factory() engine.Factory {
	return func(role engine.Role, cfg engine.Config, log *zap.Logger) (engine.Engine, error) {
		return New(role, cfg, log)
	}
}

// New builds the tls.Config from cfg and wraps a fresh tls.Conn.
func New(role engine.Role, cfg engine.Config, log *zap.Logger) (*Engine, error) {
	tc, err := BuildConfig(role, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(role, tc, log), nil
}

// NewWithConfig wraps a tls.Conn using a caller-built configuration.
func NewWithConfig(role engine.Role, tc *tls.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.L()
	}
	b := newBio()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		role:   role,
		log:    log.Named("gotls").With(zap.String("role", role.String())),
		b:      b,
		ctx:    ctx,
		cancel: cancel,
		rbuf:   make([]byte, readBufferSize),
	}
	if len(tc.Certificates) > 0 && len(tc.Certificates[0].Certificate) > 0 {
		e.localCert = tc.Certificates[0].Certificate[0]
	}
	if role == engine.Server {
		e.conn = tls.Server(b, tc)
	} else {
		e.conn = tls.Client(b, tc)
	}
	return e
}

func (e *Engine) start(kind opKind, fn func() (int, error)) {
	o := &op{kind: kind}
	e.op = o
	go func() {
		n, err := fn()
		e.b.signal(func() { o.n, o.err, o.done = n, err, true })
	}()
}

// settle waits for the current op and returns it once finished, or nil if
// the worker is parked for input.
func (e *Engine) settle() *op {
	o := e.op
	if !e.b.wait(func() bool { return o.done }) {
		return nil
	}
	e.op = nil
	return o
}

func (e *Engine) fail(err error, consumed int, out []byte) engine.Result {
	kind := Classify(err)
	te := tlserr.Wrap(kind, err)
	if kind != tlserr.KindClosedByPeer || !e.handshakeDone {
		e.failed = te
	}
	e.log.Debug("engine failure", zap.String("kind", string(kind)), zap.Error(err))
	return engine.Result{Status: engine.Failed, Consumed: consumed, Out: out, Err: te}
}

func (e *Engine) pending(consumed int, out, fresh []byte) engine.Result {
	if len(fresh) > 0 {
		return engine.Result{Status: engine.WantWrite, Consumed: consumed, Out: out}
	}
	return engine.Result{Status: engine.WantRead, Consumed: consumed, Out: out}
}

func (e *Engine) Handshake(in, out []byte) engine.Result {
	e.b.feed(in)
	if e.failed != nil {
		return engine.Result{Status: engine.Failed, Consumed: len(in), Out: out, Err: e.failed}
	}
	if e.handshakeDone {
		return engine.Result{Status: engine.Complete, Consumed: len(in), Out: out}
	}
	if e.op == nil {
		e.start(opHandshake, func() (int, error) { return 0, e.conn.HandshakeContext(e.ctx) })
	}
	o := e.settle()
	fresh := e.b.take()
	out = append(out, fresh...)
	if o == nil {
		return e.pending(len(in), out, fresh)
	}
	if o.err != nil {
		return e.fail(o.err, len(in), out)
	}
	e.handshakeDone = true
	st := e.conn.ConnectionState()
	e.log.Debug("handshake complete",
		zap.String("version", engine.VersionName(st.Version)),
		zap.String("cipher", tls.CipherSuiteName(st.CipherSuite)),
		zap.Bool("resumed", st.DidResume))
	return engine.Result{Status: engine.Complete, Consumed: len(in), Out: out}
}

func (e *Engine) ready(consumed int, out []byte) (engine.Result, bool) {
	if e.failed != nil {
		return engine.Result{Status: engine.Failed, Consumed: consumed, Out: out, Err: e.failed}, false
	}
	if !e.handshakeDone {
		return engine.Result{Status: engine.Failed, Consumed: consumed, Out: out,
			Err: tlserr.New(tlserr.KindInternal, "handshake not complete")}, false
	}
	return engine.Result{}, true
}

func (e *Engine) Encrypt(p, out []byte) engine.Result {
	if r, ok := e.ready(0, out); !ok {
		return r
	}
	if e.sentClose {
		return engine.Result{Status: engine.Failed, Out: out,
			Err: tlserr.New(tlserr.KindInternal, "write after close_notify")}
	}
	n, err := e.conn.Write(p)
	out = append(out, e.b.take()...)
	if err != nil {
		return e.fail(err, 0, out)
	}
	return engine.Result{Status: engine.Complete, N: n, Out: out}
}

func (e *Engine) Decrypt(in, p []byte) engine.Result {
	e.b.feed(in)
	consumed := len(in)
	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return engine.Result{Status: engine.Complete, Consumed: consumed, N: n}
	}
	if e.readErr != nil {
		err := e.readErr
		e.readErr = nil
		if errors.Is(err, io.EOF) {
			e.peerClosed = true
		}
		return e.fail(err, consumed, nil)
	}
	if e.peerClosed {
		return engine.Result{Status: engine.Failed, Consumed: consumed,
			Err: tlserr.New(tlserr.KindClosedByPeer, "close_notify received")}
	}
	if r, ok := e.ready(consumed, nil); !ok {
		return r
	}
	if e.op == nil {
		e.start(opRead, func() (int, error) { return e.conn.Read(e.rbuf) })
	}
	o := e.settle()
	fresh := e.b.take()
	if o == nil {
		return e.pending(consumed, fresh, fresh)
	}
	if o.n > 0 {
		e.plain = append(e.plain[:0], e.rbuf[:o.n]...)
		e.readErr = o.err
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return engine.Result{Status: engine.Complete, Consumed: consumed, N: n, Out: fresh}
	}
	if errors.Is(o.err, io.EOF) {
		e.peerClosed = true
	}
	if o.err == nil {
		return e.pending(consumed, fresh, fresh)
	}
	return e.fail(o.err, consumed, fresh)
}

func (e *Engine) Shutdown(in, out []byte) engine.Result {
	e.b.feed(in)
	consumed := len(in)
	if r, ok := e.ready(consumed, out); !ok {
		return r
	}
	if !e.sentClose {
		err := e.conn.CloseWrite()
		e.sentClose = true
		out = append(out, e.b.take()...)
		if err != nil {
			return e.fail(err, consumed, out)
		}
		if e.peerClosed {
			return engine.Result{Status: engine.Complete, Consumed: consumed, Out: out}
		}
		return engine.Result{Status: engine.WantWrite, Consumed: consumed, Out: out}
	}
	e.plain = nil
	for !e.peerClosed {
		if e.op == nil {
			e.start(opRead, func() (int, error) { return e.conn.Read(e.rbuf) })
		}
		o := e.settle()
		fresh := e.b.take()
		out = append(out, fresh...)
		if o == nil {
			return engine.Result{Status: engine.WantRead, Consumed: consumed, Out: out}
		}
		switch {
		case errors.Is(o.err, io.EOF):
			e.peerClosed = true
		case o.err != nil:
			return e.fail(o.err, consumed, out)
		}
	}
	return engine.Result{Status: engine.Complete, Consumed: consumed, Out: out}
}

// Buffered counts decrypted plaintext only; ciphertext held by the bio is
// decrypted by the next Decrypt without transport I/O.
func (e *Engine) Buffered() int { return len(e.plain) }

func (e *Engine) State() engine.ConnectionState {
	cs := e.conn.ConnectionState()
	st := engine.ConnectionState{
		HandshakeComplete:  cs.HandshakeComplete,
		ServerName:         cs.ServerName,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		PeerClosed:         e.peerClosed,
	}
	if cs.HandshakeComplete {
		st.Version = engine.VersionName(cs.Version)
		st.CipherSuite = tls.CipherSuiteName(cs.CipherSuite)
	}
	for _, c := range cs.PeerCertificates {
		st.PeerCertificates = append(st.PeerCertificates, c.Raw)
	}
	if len(cs.PeerCertificates) > 0 {
		leaf := cs.PeerCertificates[0]
		st.PeerIdentity = leaf.Subject.CommonName
		if st.PeerIdentity == "" && len(leaf.DNSNames) > 0 {
			st.PeerIdentity = leaf.DNSNames[0]
		}
	}
	return st
}

// Close stops any parked worker. It does not send close_notify.
func (e *Engine) Close() error {
	e.cancel()
	return e.b.Close()
}
