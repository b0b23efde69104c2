package sim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"

	cbor "github.com/fxamacker/cbor/v2"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/tlserr"
)

// Handshake message types.
const (
	msgClientHello    uint8 = 1
	msgServerHello    uint8 = 2
	msgClientFinished uint8 = 3
	msgServerFinished uint8 = 4
)

// message is the CBOR body of a handshake record. Fields unused by a message
// type are omitted.
type message struct {
	Type       uint8    `cbor:"1,keyasint"`
	Random     []byte   `cbor:"2,keyasint,omitempty"`
	MinVersion uint16   `cbor:"3,keyasint,omitempty"`
	MaxVersion uint16   `cbor:"4,keyasint,omitempty"`
	Version    uint16   `cbor:"5,keyasint,omitempty"`
	Ciphers    []string `cbor:"6,keyasint,omitempty"`
	Cipher     string   `cbor:"7,keyasint,omitempty"`
	ServerName string   `cbor:"8,keyasint,omitempty"`
	Protos     []string `cbor:"9,keyasint,omitempty"`
	Proto      string   `cbor:"10,keyasint,omitempty"`
	Identity   string   `cbor:"11,keyasint,omitempty"`
	Verify     []byte   `cbor:"12,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

type hsState int

const (
	hsStart hsState = iota
	hsWaitServerHello
	hsWaitClientHello
	hsWaitServerFinished
	hsWaitClientFinished
	hsDone
)

func (s hsState) String() string {
	switch s {
	case hsStart:
		return "start"
	case hsWaitServerHello:
		return "wait_server_hello"
	case hsWaitClientHello:
		return "wait_client_hello"
	case hsWaitServerFinished:
		return "wait_server_finished"
	case hsWaitClientFinished:
		return "wait_client_finished"
	default:
		return "done"
	}
}

// Handshake advances the 2-round-trip handshake by at most one message.
func (e *Engine) Handshake(in, out []byte) engine.Result {
	if e.failed != nil {
		return engine.Result{Status: engine.Failed, Err: e.failed, Out: out}
	}
	switch e.hs {
	case hsDone:
		return engine.Result{Status: engine.Complete, Out: out}
	case hsStart:
		return e.sendClientHello(out)
	}

	msg, body, n, res := e.nextHandshake(in, out)
	if res != nil {
		return *res
	}
	switch e.hs {
	case hsWaitClientHello:
		return e.onClientHello(msg, body, n, out)
	case hsWaitServerHello:
		return e.onServerHello(msg, body, n, out)
	case hsWaitClientFinished:
		return e.onClientFinished(msg, body, n, out)
	default:
		return e.onServerFinished(msg, n, out)
	}
}

// nextHandshake decodes the next handshake message of in. A non-nil Result
// ends the call: more input is needed, or the record was not a usable
// handshake message.
func (e *Engine) nextHandshake(in, out []byte) (message, []byte, int, *engine.Result) {
	var msg message
	typ, body, n, err := parseRecord(in, maxRecordLimit)
	if err != nil {
		code := alertDecodeError
		if err == errRecordOverflow {
			code = alertRecordOverflow
		}
		r := e.fatal(tlserr.KindProtocol, code, err.Error(), 0, out)
		return msg, nil, 0, &r
	}
	if n == 0 {
		return msg, nil, 0, &engine.Result{Status: engine.WantRead, Out: out}
	}
	switch typ {
	case recHandshake:
	case recAlert:
		r := e.onAlert(body, n, out, true)
		return msg, nil, 0, &r
	default:
		r := e.fatal(tlserr.KindProtocol, alertUnexpectedMessage, fmt.Sprintf("record type %d during handshake", typ), n, out)
		return msg, nil, 0, &r
	}
	if err := decMode.Unmarshal(body, &msg); err != nil {
		r := e.fatal(tlserr.KindProtocol, alertDecodeError, "handshake message: "+err.Error(), n, out)
		return msg, nil, 0, &r
	}
	if want := e.expected(); msg.Type != want {
		r := e.fatal(tlserr.KindProtocol, alertUnexpectedMessage, fmt.Sprintf("handshake message %d, want %d", msg.Type, want), n, out)
		return msg, nil, 0, &r
	}
	return msg, body, n, nil
}

func (e *Engine) expected() uint8 {
	switch e.hs {
	case hsWaitClientHello:
		return msgClientHello
	case hsWaitServerHello:
		return msgServerHello
	case hsWaitClientFinished:
		return msgClientFinished
	default:
		return msgServerFinished
	}
}

func (e *Engine) writeHandshake(out []byte, msg message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return out, err
	}
	e.transcript.Write(body)
	return appendRecord(out, recHandshake, body), nil
}

func (e *Engine) random() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := e.opts.Rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) sendClientHello(out []byte) engine.Result {
	cr, err := e.random()
	if err != nil {
		return e.fatal(tlserr.KindInternal, noAlert, "random: "+err.Error(), 0, out)
	}
	e.clientRandom = cr
	msg := message{
		Type:       msgClientHello,
		Random:     cr,
		MinVersion: e.minVersion,
		MaxVersion: e.maxVersion,
		Ciphers:    e.ciphers,
		Protos:     e.cfg.NextProtos,
	}
	if e.cfg.UseSNI {
		msg.ServerName = e.cfg.ServerName
	}
	if out, err = e.writeHandshake(out, msg); err != nil {
		return e.fatal(tlserr.KindInternal, noAlert, err.Error(), 0, out)
	}
	e.setState(hsWaitServerHello)
	return engine.Result{Status: engine.WantWrite, Out: out}
}

func (e *Engine) onClientHello(ch message, body []byte, n int, out []byte) engine.Result {
	e.transcript.Write(body)
	e.clientRandom = ch.Random
	e.serverName = ch.ServerName

	version := min(ch.MaxVersion, e.maxVersion)
	if version < max(ch.MinVersion, e.minVersion) {
		return e.fatal(tlserr.KindHandshakeFailed, alertProtocolVersion,
			fmt.Sprintf("no common version: client %s-%s, server %s-%s",
				engine.VersionName(ch.MinVersion), engine.VersionName(ch.MaxVersion),
				engine.VersionName(e.minVersion), engine.VersionName(e.maxVersion)), n, out)
	}
	cipher := ""
	for _, c := range e.ciphers {
		if slices.Contains(ch.Ciphers, c) {
			cipher = c
			break
		}
	}
	if cipher == "" {
		return e.fatal(tlserr.KindHandshakeFailed, alertHandshakeFailure, "no common cipher", n, out)
	}
	for _, p := range e.cfg.NextProtos {
		if slices.Contains(ch.Protos, p) {
			e.proto = p
			break
		}
	}

	sr, err := e.random()
	if err != nil {
		return e.fatal(tlserr.KindInternal, alertInternalError, "random: "+err.Error(), n, out)
	}
	e.serverRandom, e.version, e.cipher = sr, version, cipher
	e.deriveMaster()
	msg := message{
		Type:     msgServerHello,
		Random:   sr,
		Version:  version,
		Cipher:   cipher,
		Proto:    e.proto,
		Identity: e.identity,
	}
	if out, err = e.writeHandshake(out, msg); err != nil {
		return e.fatal(tlserr.KindInternal, alertInternalError, err.Error(), n, out)
	}
	e.setState(hsWaitClientFinished)
	return engine.Result{Status: engine.WantWrite, Consumed: n, Out: out}
}

func (e *Engine) onServerHello(sh message, body []byte, n int, out []byte) engine.Result {
	e.transcript.Write(body)
	if sh.Version < e.minVersion || sh.Version > e.maxVersion {
		return e.fatal(tlserr.KindHandshakeFailed, alertProtocolVersion,
			"server chose version "+engine.VersionName(sh.Version), n, out)
	}
	if !slices.Contains(e.ciphers, sh.Cipher) {
		return e.fatal(tlserr.KindHandshakeFailed, alertHandshakeFailure, "server chose unoffered cipher "+sh.Cipher, n, out)
	}
	if sh.Proto != "" && !slices.Contains(e.cfg.NextProtos, sh.Proto) {
		return e.fatal(tlserr.KindHandshakeFailed, alertHandshakeFailure, "server chose unoffered protocol "+sh.Proto, n, out)
	}
	e.peerIdentity = sh.Identity
	if e.cfg.VerifyPeer && !e.cfg.AcceptInvalidHostnames && e.cfg.ServerName != "" && sh.Identity != e.cfg.ServerName {
		return e.fatal(tlserr.KindCertificateRejected, alertBadCertificate,
			fmt.Sprintf("server identity %q does not match %q", sh.Identity, e.cfg.ServerName), n, out)
	}
	e.serverRandom, e.version, e.cipher, e.proto = sh.Random, sh.Version, sh.Cipher, sh.Proto
	e.deriveMaster()

	msg := message{Type: msgClientFinished, Identity: e.identity, Verify: e.finished("client finished")}
	var err error
	if out, err = e.writeHandshake(out, msg); err != nil {
		return e.fatal(tlserr.KindInternal, alertInternalError, err.Error(), n, out)
	}
	e.w.active = true
	e.setState(hsWaitServerFinished)
	return engine.Result{Status: engine.WantWrite, Consumed: n, Out: out}
}

func (e *Engine) onClientFinished(cf message, body []byte, n int, out []byte) engine.Result {
	if !hmac.Equal(cf.Verify, e.finished("client finished")) {
		return e.fatal(tlserr.KindHandshakeFailed, alertDecryptError, "client finished verify mismatch", n, out)
	}
	e.transcript.Write(body)
	if e.cfg.VerifyPeer && cf.Identity == "" {
		return e.fatal(tlserr.KindCertificateRejected, alertCertificateRequired, "client presented no identity", n, out)
	}
	e.peerIdentity = cf.Identity
	e.r.active = true

	msg := message{Type: msgServerFinished, Verify: e.finished("server finished")}
	var err error
	if out, err = e.writeHandshake(out, msg); err != nil {
		return e.fatal(tlserr.KindInternal, alertInternalError, err.Error(), n, out)
	}
	e.w.active = true
	e.setState(hsDone)
	return engine.Result{Status: engine.Complete, Consumed: n, Out: out}
}

func (e *Engine) onServerFinished(sf message, n int, out []byte) engine.Result {
	if !hmac.Equal(sf.Verify, e.finished("server finished")) {
		return e.fatal(tlserr.KindHandshakeFailed, alertDecryptError, "server finished verify mismatch", n, out)
	}
	e.r.active = true
	e.setState(hsDone)
	return engine.Result{Status: engine.Complete, Consumed: n, Out: out}
}

func (e *Engine) deriveMaster() {
	h := sha256.New()
	h.Write([]byte("sim master"))
	h.Write(e.clientRandom)
	h.Write(e.serverRandom)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], e.version)
	h.Write(v[:])
	h.Write([]byte(e.cipher))
	e.master = h.Sum(nil)
	e.r.init(e.master)
	e.w.init(e.master)
}

// finished is the verify data over the transcript so far.
func (e *Engine) finished(label string) []byte {
	m := hmac.New(sha256.New, e.master)
	m.Write([]byte(label))
	m.Write(e.transcript.Sum(nil))
	return m.Sum(nil)
}
