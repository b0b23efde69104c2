// Package sim is a deterministic simulated TLS engine.
//
// It speaks a toy record protocol with CBOR handshake messages over two
// round trips (ClientHello/ServerHello, ClientFinished/ServerFinished),
// keystream-masked records with HMAC tags, periodic key updates that request
// a reply, close_notify and alerts. It exists to exercise the driver; it
// provides no security.
package sim

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"go.uber.org/zap"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/tlserr"
)

// noAlert marks a failure that sends nothing to the peer.
const noAlert byte = 0xff

// DefaultCiphers are offered when the configuration names none.
var DefaultCiphers = []string{"TLS_AES_128_GCM_SHA256", "TLS_CHACHA20_POLY1305_SHA256"}

// Options tune the simulation.
type Options struct {
	// MaxRecordSize caps the plaintext per record this side sends. Inbound
	// records are accepted up to the protocol limit.
	MaxRecordSize int
	// RekeyInterval sends a KeyUpdate after this many records. 0 disables.
	RekeyInterval int
	// MaxVersion caps the offered version ("1.0".."1.3"). Default "1.3".
	MaxVersion string
	// Identity is presented to the peer. Servers default to the configured
	// server name.
	Identity string
	// Rand supplies hello randoms. Default crypto/rand.
	Rand io.Reader
}

func (o Options) withDefaults() Options {
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
	if o.MaxVersion == "" {
		o.MaxVersion = "1.3"
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	return o
}

// Factory returns an engine.Factory producing sim engines with opts.
func Factory(opts Options) engine.Factory {
	return func(role engine.Role, cfg engine.Config, log *zap.Logger) (engine.Engine, error) {
		return New(role, cfg, opts, log)
	}
}

// Engine implements engine.Engine and engine.ChannelBinder.
type Engine struct {
	role engine.Role
	cfg  engine.Config
	opts Options
	log  *zap.Logger

	hs         hsState
	transcript hash.Hash
	master     []byte

	minVersion   uint16
	maxVersion   uint16
	ciphers      []string
	identity     string
	clientRandom []byte
	serverRandom []byte
	version      uint16
	cipher       string
	proto        string
	serverName   string
	peerIdentity string

	r, w       direction
	sinceRekey int
	pending    []byte

	peerClosed bool
	sentClose  bool
	failed     error
}

var _ engine.ChannelBinder = (*Engine)(nil)

// New creates a sim engine for one connection.
func New(role engine.Role, cfg engine.Config, opts Options, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.L()
	}
	opts = opts.withDefaults()
	if opts.MaxRecordSize > maxRecordLimit {
		return nil, fmt.Errorf("sim: max record size %d exceeds %d", opts.MaxRecordSize, maxRecordLimit)
	}
	if opts.RekeyInterval < 0 {
		return nil, errors.New("sim: rekey interval must not be negative")
	}
	minV, err := engine.ParseVersion(cfg.MinProtocolVersion)
	if err != nil {
		return nil, err
	}
	maxV, err := engine.ParseVersion(opts.MaxVersion)
	if err != nil {
		return nil, err
	}
	if minV == 0 {
		minV = engine.MustVersion("1.2")
	}
	if capV, err := engine.ParseVersion(cfg.MaxProtocolVersion); err != nil {
		return nil, err
	} else if capV != 0 {
		maxV = min(maxV, capV)
	}
	if maxV < minV {
		return nil, fmt.Errorf("sim: max version %s below min version %s", engine.VersionName(maxV), engine.VersionName(minV))
	}
	e := &Engine{
		role:       role,
		cfg:        cfg,
		opts:       opts,
		log:        log.Named("sim").With(zap.String("role", role.String())),
		transcript: sha256.New(),
		minVersion: minV,
		maxVersion: maxV,
		ciphers:    cfg.CipherList,
		identity:   opts.Identity,
	}
	if len(e.ciphers) == 0 {
		e.ciphers = DefaultCiphers
	}
	if role == engine.Server {
		e.hs = hsWaitClientHello
		e.r.label, e.w.label = "c2s", "s2c"
		if e.identity == "" {
			e.identity = cfg.ServerName
		}
		if e.identity == "" {
			e.identity = "localhost"
		}
	} else {
		e.hs = hsStart
		e.r.label, e.w.label = "s2c", "c2s"
	}
	return e, nil
}

func (e *Engine) setState(s hsState) {
	e.log.Debug("handshake state", zap.Stringer("from", e.hs), zap.Stringer("to", s))
	e.hs = s
	if s == hsDone {
		e.log.Debug("handshake complete",
			zap.String("version", engine.VersionName(e.version)),
			zap.String("cipher", e.cipher),
			zap.String("peer", e.peerIdentity))
	}
}

// fatal records a sticky failure and appends an alert for the peer.
func (e *Engine) fatal(kind tlserr.Kind, code byte, detail string, consumed int, out []byte) engine.Result {
	err := tlserr.New(kind, detail)
	e.failed = err
	if code != noAlert {
		out = e.w.seal(out, recAlert, []byte{2, code})
	}
	e.log.Debug("engine failure", zap.String("kind", string(kind)), zap.String("detail", detail))
	return engine.Result{Status: engine.Failed, Consumed: consumed, Out: out, Err: err}
}

// onAlert handles a received alert record. close_notify during an
// established session is not sticky so Shutdown can still complete.
func (e *Engine) onAlert(body []byte, n int, out []byte, handshaking bool) engine.Result {
	plain, ok := e.r.open(recAlert, body)
	if !ok {
		return e.fatal(tlserr.KindProtocol, alertBadRecordMAC, "alert record authentication failed", n, out)
	}
	if len(plain) != 2 {
		return e.fatal(tlserr.KindProtocol, alertDecodeError, "malformed alert", n, out)
	}
	code := plain[1]
	if code == alertCloseNotify {
		e.peerClosed = true
		err := tlserr.New(tlserr.KindClosedByPeer, "close_notify received")
		if handshaking {
			e.failed = err
		}
		return engine.Result{Status: engine.Failed, Consumed: n, Out: out, Err: err}
	}
	err := tlserr.New(alertKind(code), "peer sent alert "+alertName(code))
	e.failed = err
	return engine.Result{Status: engine.Failed, Consumed: n, Out: out, Err: err}
}

func (e *Engine) ready(out []byte) (engine.Result, bool) {
	if e.failed != nil {
		return engine.Result{Status: engine.Failed, Err: e.failed, Out: out}, false
	}
	if e.hs != hsDone {
		return engine.Result{Status: engine.Failed, Out: out,
			Err: tlserr.New(tlserr.KindInternal, "handshake not complete")}, false
	}
	return engine.Result{}, true
}

func (e *Engine) Encrypt(p, out []byte) engine.Result {
	if r, ok := e.ready(out); !ok {
		return r
	}
	if e.sentClose {
		return engine.Result{Status: engine.Failed, Out: out,
			Err: tlserr.New(tlserr.KindInternal, "write after close_notify")}
	}
	n := 0
	for n < len(p) {
		if e.opts.RekeyInterval > 0 && e.sinceRekey >= e.opts.RekeyInterval {
			out = e.w.seal(out, recKeyUpdate, []byte{1})
			e.w.rekey(e.master)
			e.sinceRekey = 0
			e.log.Debug("key update sent", zap.Uint32("epoch", e.w.epoch))
		}
		chunk := min(len(p)-n, e.opts.MaxRecordSize)
		out = e.w.seal(out, recAppData, p[n:n+chunk])
		n += chunk
		e.sinceRekey++
	}
	return engine.Result{Status: engine.Complete, N: n, Out: out}
}

func (e *Engine) Decrypt(in, p []byte) engine.Result {
	if e.peerClosed && len(e.pending) == 0 {
		return engine.Result{Status: engine.Failed, Err: tlserr.New(tlserr.KindClosedByPeer, "close_notify received")}
	}
	if r, ok := e.ready(nil); !ok {
		return r
	}
	consumed := 0
	for {
		if len(e.pending) > 0 {
			n := copy(p, e.pending)
			e.pending = e.pending[n:]
			return engine.Result{Status: engine.Complete, Consumed: consumed, N: n}
		}
		typ, body, n, err := parseRecord(in[consumed:], maxRecordLimit)
		if err != nil {
			return e.fatal(tlserr.KindProtocol, alertDecodeError, err.Error(), consumed, nil)
		}
		if n == 0 {
			return engine.Result{Status: engine.WantRead, Consumed: consumed}
		}
		consumed += n
		switch typ {
		case recAppData:
			plain, ok := e.r.open(typ, body)
			if !ok {
				return e.fatal(tlserr.KindProtocol, alertBadRecordMAC, "record authentication failed", consumed, nil)
			}
			e.pending = plain
		case recKeyUpdate:
			plain, ok := e.r.open(typ, body)
			if !ok || len(plain) != 1 {
				return e.fatal(tlserr.KindProtocol, alertBadRecordMAC, "key update authentication failed", consumed, nil)
			}
			e.r.rekey(e.master)
			e.log.Debug("key update received", zap.Uint32("epoch", e.r.epoch), zap.Bool("requested", plain[0] == 1))
			if plain[0] == 1 && !e.sentClose {
				out := e.w.seal(nil, recKeyUpdate, []byte{0})
				e.w.rekey(e.master)
				e.sinceRekey = 0
				return engine.Result{Status: engine.WantWrite, Consumed: consumed, Out: out}
			}
		case recAlert:
			return e.onAlert(body, consumed, nil, false)
		default:
			return e.fatal(tlserr.KindProtocol, alertUnexpectedMessage, "handshake record after handshake", consumed, nil)
		}
	}
}

func (e *Engine) Shutdown(in, out []byte) engine.Result {
	if r, ok := e.ready(out); !ok {
		return r
	}
	if !e.sentClose {
		out = e.w.seal(out, recAlert, []byte{1, alertCloseNotify})
		e.sentClose = true
		if e.peerClosed {
			return engine.Result{Status: engine.Complete, Out: out}
		}
		return engine.Result{Status: engine.WantWrite, Out: out}
	}
	consumed := 0
	for !e.peerClosed {
		typ, body, n, err := parseRecord(in[consumed:], maxRecordLimit)
		if err != nil {
			return e.fatal(tlserr.KindProtocol, noAlert, err.Error(), consumed, out)
		}
		if n == 0 {
			return engine.Result{Status: engine.WantRead, Consumed: consumed, Out: out}
		}
		consumed += n
		switch typ {
		case recAppData:
			// Data after our close_notify is discarded.
			if _, ok := e.r.open(typ, body); !ok {
				return e.fatal(tlserr.KindProtocol, noAlert, "record authentication failed", consumed, out)
			}
		case recKeyUpdate:
			if _, ok := e.r.open(typ, body); !ok {
				return e.fatal(tlserr.KindProtocol, noAlert, "key update authentication failed", consumed, out)
			}
			e.r.rekey(e.master)
		case recAlert:
			if r := e.onAlert(body, consumed, out, false); !e.peerClosed {
				return r
			}
		default:
			return e.fatal(tlserr.KindProtocol, noAlert, "handshake record after handshake", consumed, out)
		}
	}
	e.pending = nil
	return engine.Result{Status: engine.Complete, Consumed: consumed, Out: out}
}

func (e *Engine) Buffered() int { return len(e.pending) }

func (e *Engine) State() engine.ConnectionState {
	st := engine.ConnectionState{
		HandshakeComplete:  e.hs == hsDone,
		CipherSuite:        e.cipher,
		NegotiatedProtocol: e.proto,
		PeerIdentity:       e.peerIdentity,
		PeerClosed:         e.peerClosed,
		ServerName:         e.serverName,
	}
	if e.version != 0 {
		st.Version = engine.VersionName(e.version)
	}
	if e.role == engine.Client {
		st.ServerName = e.cfg.ServerName
	}
	return st
}

// ChannelBinding returns the tls-server-end-point data: a SHA-256 digest of
// the server's identity, which stands in for its certificate.
func (e *Engine) ChannelBinding() ([]byte, error) {
	if e.hs != hsDone {
		return nil, errors.New("sim: handshake not complete")
	}
	server := e.identity
	if e.role == engine.Client {
		server = e.peerIdentity
	}
	sum := sha256.Sum256([]byte(server))
	return sum[:], nil
}

func (e *Engine) Close() error {
	e.r.wipe()
	e.w.wipe()
	e.pending = nil
	e.master = nil
	return nil
}
