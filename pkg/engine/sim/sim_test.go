package sim

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/tlserr"
)

type countingReader struct{ n byte }

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		r.n++
		p[i] = r.n
	}
	return len(p), nil
}

func newPair(t *testing.T, ccfg, scfg engine.Config, copts, sopts Options) (*Engine, *Engine) {
	t.Helper()
	log := zaptest.NewLogger(t)
	if copts.Rand == nil {
		copts.Rand = &countingReader{}
	}
	if sopts.Rand == nil {
		sopts.Rand = &countingReader{n: 100}
	}
	c, err := New(engine.Client, ccfg, copts, log)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	s, err := New(engine.Server, scfg, sopts, log)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return c, s
}

// drive pumps handshake flights between the engines. It returns each side's
// failure, if any, and the bytes each side sent.
func drive(c, s engine.Engine) (cErr, sErr error, cWire, sWire []byte) {
	var cin, sin []byte
	var cDone, sDone bool
	for i := 0; i < 16 && !(cDone && sDone); i++ {
		if !cDone {
			r := c.Handshake(cin, nil)
			cin = cin[r.Consumed:]
			sin = append(sin, r.Out...)
			cWire = append(cWire, r.Out...)
			switch r.Status {
			case engine.Failed:
				cErr, cDone = r.Err, true
			case engine.Complete:
				cDone = true
			}
		}
		if !sDone {
			r := s.Handshake(sin, nil)
			sin = sin[r.Consumed:]
			cin = append(cin, r.Out...)
			sWire = append(sWire, r.Out...)
			switch r.Status {
			case engine.Failed:
				sErr, sDone = r.Err, true
			case engine.Complete:
				sDone = true
			}
		}
	}
	return cErr, sErr, cWire, sWire
}

func established(t *testing.T, copts, sopts Options) (*Engine, *Engine) {
	t.Helper()
	ccfg := engine.Config{ServerName: "sim.test", VerifyPeer: true, UseSNI: true, NextProtos: []string{"h2", "echo"}}
	scfg := engine.Config{ServerName: "sim.test", NextProtos: []string{"echo"}}
	c, s := newPair(t, ccfg, scfg, copts, sopts)
	cErr, sErr, _, _ := drive(c, s)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake: client %v, server %v", cErr, sErr)
	}
	return c, s
}

func TestHandshakeTwoRoundTrips(t *testing.T) {
	c, s := newPair(t, engine.Config{ServerName: "sim.test", UseSNI: true}, engine.Config{}, Options{Identity: "client-1"}, Options{})

	r := c.Handshake(nil, nil)
	if r.Status != engine.WantWrite || len(r.Out) == 0 {
		t.Fatalf("client hello: %v", r.Status)
	}
	ch := r.Out
	if r := c.Handshake(nil, nil); r.Status != engine.WantRead {
		t.Fatalf("client after hello: %v", r.Status)
	}
	if r := s.Handshake(nil, nil); r.Status != engine.WantRead {
		t.Fatalf("server without input: %v", r.Status)
	}
	// A partial record needs more input and consumes nothing.
	if r := s.Handshake(ch[:4], nil); r.Status != engine.WantRead || r.Consumed != 0 {
		t.Fatalf("server partial: %v consumed %d", r.Status, r.Consumed)
	}
	r = s.Handshake(ch, nil)
	if r.Status != engine.WantWrite || r.Consumed != len(ch) {
		t.Fatalf("server hello: %v consumed %d", r.Status, r.Consumed)
	}
	sh := r.Out
	r = c.Handshake(sh, nil)
	if r.Status != engine.WantWrite {
		t.Fatalf("client finished: %v", r.Status)
	}
	cf := r.Out
	r = s.Handshake(cf, nil)
	if r.Status != engine.Complete || len(r.Out) == 0 {
		t.Fatalf("server finished: %v", r.Status)
	}
	if r := c.Handshake(r.Out, nil); r.Status != engine.Complete {
		t.Fatalf("client complete: %v %v", r.Status, r.Err)
	}

	cs, ss := c.State(), s.State()
	if !cs.HandshakeComplete || !ss.HandshakeComplete {
		t.Fatal("handshake not complete")
	}
	if cs.Version != "1.3" || cs.CipherSuite != DefaultCiphers[0] {
		t.Fatalf("client state = %+v", cs)
	}
	if ss.ServerName != "sim.test" || ss.PeerIdentity != "client-1" {
		t.Fatalf("server state = %+v", ss)
	}
	if cs.PeerIdentity != "localhost" {
		t.Fatalf("client saw identity %q", cs.PeerIdentity)
	}
	cb, err := c.ChannelBinding()
	if err != nil {
		t.Fatal(err)
	}
	sb, _ := s.ChannelBinding()
	if !bytes.Equal(cb, sb) {
		t.Fatal("channel bindings differ")
	}
}

func TestHandshakeDeterministic(t *testing.T) {
	run := func() ([]byte, []byte) {
		c, s := newPair(t, engine.Config{}, engine.Config{}, Options{}, Options{})
		_, _, cw, sw := drive(c, s)
		return cw, sw
	}
	c1, s1 := run()
	c2, s2 := run()
	if !bytes.Equal(c1, c2) || !bytes.Equal(s1, s2) {
		t.Fatal("same randomness produced different wire bytes")
	}
}

func TestNegotiationFailures(t *testing.T) {
	cases := []struct {
		name         string
		ccfg, scfg   engine.Config
		copts, sopts Options
		want         error
	}{
		{
			name:  "version",
			ccfg:  engine.Config{MinProtocolVersion: "1.3"},
			sopts: Options{MaxVersion: "1.2"},
			want:  tlserr.ErrHandshakeFailed,
		},
		{
			name: "configured max version",
			ccfg: engine.Config{MinProtocolVersion: "1.3"},
			scfg: engine.Config{MaxProtocolVersion: "1.2"},
			want: tlserr.ErrHandshakeFailed,
		},
		{
			name: "cipher",
			ccfg: engine.Config{CipherList: []string{"TLS_A"}},
			scfg: engine.Config{CipherList: []string{"TLS_B"}},
			want: tlserr.ErrHandshakeFailed,
		},
		{
			name:  "server identity",
			ccfg:  engine.Config{VerifyPeer: true, ServerName: "bank.example"},
			sopts: Options{Identity: "evil.example"},
			want:  tlserr.ErrCertificateRejected,
		},
		{
			name: "client identity required",
			scfg: engine.Config{VerifyPeer: true},
			want: tlserr.ErrCertificateRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, s := newPair(t, tc.ccfg, tc.scfg, tc.copts, tc.sopts)
			cErr, sErr, _, _ := drive(c, s)
			if !errors.Is(cErr, tc.want) {
				t.Fatalf("client error = %v, want %v", cErr, tc.want)
			}
			if !errors.Is(sErr, tc.want) {
				t.Fatalf("server error = %v, want %v", sErr, tc.want)
			}
			if r := c.Encrypt([]byte("x"), nil); r.Status != engine.Failed {
				t.Fatalf("encrypt after failure: %v", r.Status)
			}
		})
	}
}

func TestConfigRelaxations(t *testing.T) {
	ccfg := engine.Config{VerifyPeer: true, AcceptInvalidHostnames: true, ServerName: "bank.example", MaxProtocolVersion: "1.2"}
	c, s := newPair(t, ccfg, engine.Config{}, Options{}, Options{Identity: "other.example"})
	if cErr, sErr, _, _ := drive(c, s); cErr != nil || sErr != nil {
		t.Fatalf("handshake: client %v, server %v", cErr, sErr)
	}
	if st := c.State(); st.Version != "1.2" || st.PeerIdentity != "other.example" {
		t.Fatalf("client state = %+v", st)
	}
	if _, err := New(engine.Client, engine.Config{MaxProtocolVersion: "9"}, Options{}, nil); err == nil {
		t.Fatal("bad max version accepted")
	}
}

func TestTransferAndBuffered(t *testing.T) {
	c, s := established(t, Options{MaxRecordSize: 4}, Options{})
	if got := c.State().NegotiatedProtocol; got != "echo" {
		t.Fatalf("alpn = %q", got)
	}
	r := c.Encrypt([]byte("hello world"), nil)
	if r.Status != engine.Complete || r.N != 11 {
		t.Fatalf("encrypt: %v n=%d", r.Status, r.N)
	}
	wire := r.Out
	p := make([]byte, 3)
	first := s.Decrypt(wire, p)
	if first.Status != engine.Complete || first.N != 3 || s.Buffered() != 1 {
		t.Fatalf("first decrypt: %v n=%d buffered=%d", first.Status, first.N, s.Buffered())
	}
	wire = wire[first.Consumed:]
	got := append([]byte(nil), p[:3]...)
	for {
		r := s.Decrypt(wire, p)
		wire = wire[r.Consumed:]
		if r.Status == engine.WantRead {
			break
		}
		if r.Status != engine.Complete {
			t.Fatalf("decrypt: %v %v", r.Status, r.Err)
		}
		got = append(got, p[:r.N]...)
	}
	if string(got) != "hello world" || len(wire) != 0 {
		t.Fatalf("got %q, %d bytes left", got, len(wire))
	}
}

// readAllRecords decrypts every record in wire into one plaintext slice.
func readAllRecords(t *testing.T, e *Engine, wire []byte) []byte {
	t.Helper()
	var got []byte
	p := make([]byte, 512)
	for {
		r := e.Decrypt(wire, p)
		wire = wire[r.Consumed:]
		if r.Status == engine.WantRead && len(wire) == 0 {
			return got
		}
		if r.Status != engine.Complete {
			t.Fatalf("decrypt: %v %v", r.Status, r.Err)
		}
		got = append(got, p[:r.N]...)
	}
}

func TestAsymmetricRecordSizes(t *testing.T) {
	c, s := established(t, Options{MaxRecordSize: 256}, Options{})
	big := bytes.Repeat([]byte("0123456789"), 100)

	r := s.Encrypt(big, nil)
	if r.Status != engine.Complete || r.N != len(big) {
		t.Fatalf("server encrypt: %v n=%d", r.Status, r.N)
	}
	if got := readAllRecords(t, c, r.Out); !bytes.Equal(got, big) {
		t.Fatalf("client read %d bytes, want %d", len(got), len(big))
	}

	r = c.Encrypt(big, nil)
	if r.Status != engine.Complete || r.N != len(big) {
		t.Fatalf("client encrypt: %v n=%d", r.Status, r.N)
	}
	// 1000 bytes in records of at most 256: four records.
	if want := 4 * (headerLen + tagLen); len(r.Out) != len(big)+want {
		t.Fatalf("client wire = %d bytes, want %d", len(r.Out), len(big)+want)
	}
	if got := readAllRecords(t, s, r.Out); !bytes.Equal(got, big) {
		t.Fatalf("server read %d bytes, want %d", len(got), len(big))
	}
}

func TestRekeyRequestsReply(t *testing.T) {
	c, s := established(t, Options{RekeyInterval: 2}, Options{})
	var wire []byte
	for _, m := range []string{"a", "b", "c"} {
		r := c.Encrypt([]byte(m), nil)
		wire = append(wire, r.Out...)
	}
	var got []byte
	var replies []byte
	p := make([]byte, 8)
	wantWrites := 0
	for len(wire) > 0 {
		r := s.Decrypt(wire, p)
		wire = wire[r.Consumed:]
		switch r.Status {
		case engine.Complete:
			got = append(got, p[:r.N]...)
		case engine.WantWrite:
			if r.N != 0 {
				t.Fatal("want write carried plaintext")
			}
			wantWrites++
			replies = append(replies, r.Out...)
		default:
			t.Fatalf("decrypt: %v %v", r.Status, r.Err)
		}
	}
	if string(got) != "abc" || wantWrites != 1 {
		t.Fatalf("got %q with %d key update replies", got, wantWrites)
	}
	if r := c.Decrypt(replies, p); r.Status != engine.WantRead || r.Consumed != len(replies) {
		t.Fatalf("client on reply: %v consumed %d", r.Status, r.Consumed)
	}
	// Both directions keep working under the new keys.
	out := s.Encrypt([]byte("pong"), nil).Out
	if r := c.Decrypt(out, p); r.Status != engine.Complete || string(p[:r.N]) != "pong" {
		t.Fatalf("after rekey: %v %q", r.Status, p[:r.N])
	}
}

func TestTamperedRecord(t *testing.T) {
	c, s := established(t, Options{}, Options{})
	wire := c.Encrypt([]byte("secret"), nil).Out
	wire[len(wire)-1] ^= 0x01
	r := s.Decrypt(wire, make([]byte, 16))
	if r.Status != engine.Failed || !errors.Is(r.Err, tlserr.ErrProtocol) {
		t.Fatalf("tampered: %v %v", r.Status, r.Err)
	}
	if len(r.Out) == 0 {
		t.Fatal("no alert produced")
	}
	ar := c.Decrypt(r.Out, make([]byte, 16))
	if !errors.Is(ar.Err, tlserr.ErrProtocol) {
		t.Fatalf("alert mapped to %v", ar.Err)
	}
}

func TestCloseNotifyExchange(t *testing.T) {
	c, s := established(t, Options{}, Options{})
	r := c.Shutdown(nil, nil)
	if r.Status != engine.WantWrite || len(r.Out) == 0 {
		t.Fatalf("shutdown: %v", r.Status)
	}
	notify := r.Out
	if r := c.Shutdown(nil, nil); r.Status != engine.WantRead {
		t.Fatalf("shutdown wait: %v", r.Status)
	}
	dr := s.Decrypt(notify, make([]byte, 4))
	if dr.Status != engine.Failed || !errors.Is(dr.Err, tlserr.ErrClosedByPeer) || dr.Consumed != len(notify) {
		t.Fatalf("decrypt close_notify: %v %v", dr.Status, dr.Err)
	}
	if !s.State().PeerClosed {
		t.Fatal("peer closed flag not set")
	}
	// Half-close: the server can still write before answering.
	data := s.Encrypt([]byte("late"), nil).Out
	sr := s.Shutdown(nil, nil)
	if sr.Status != engine.Complete || len(sr.Out) == 0 {
		t.Fatalf("server shutdown: %v", sr.Status)
	}
	in := append(data, sr.Out...)
	if r := c.Shutdown(in, nil); r.Status != engine.Complete || r.Consumed != len(in) {
		t.Fatalf("client shutdown: %v consumed %d of %d", r.Status, r.Consumed, len(in))
	}
	if r := c.Shutdown(nil, nil); r.Status != engine.Complete || len(r.Out) != 0 {
		t.Fatalf("repeat shutdown: %v", r.Status)
	}
}

func TestOptionValidation(t *testing.T) {
	if _, err := New(engine.Client, engine.Config{}, Options{MaxRecordSize: 1 << 20}, nil); err == nil {
		t.Fatal("expected oversized record error")
	}
	if _, err := New(engine.Client, engine.Config{MinProtocolVersion: "9"}, Options{}, nil); err == nil {
		t.Fatal("expected version parse error")
	}
	if _, err := New(engine.Client, engine.Config{MinProtocolVersion: "1.3"}, Options{MaxVersion: "1.2"}, nil); err == nil {
		t.Fatal("expected inverted version range error")
	}
	f := Factory(Options{})
	if _, err := f(engine.Server, engine.Config{}, nil); err != nil {
		t.Fatalf("factory: %v", err)
	}
}
