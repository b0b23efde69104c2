package tlserr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(KindProtocol, io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol match")
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("unexpected ErrTransport match")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause should stay reachable")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindProtocol {
		t.Fatalf("KindOf through wrapping: got %q", KindOf(wrapped))
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Kind: KindState, Op: "read", State: "failed", Detail: "connection failed"}
	s := e.Error()
	for _, want := range []string{"tls read", "state", "[state failed]", "connection failed"} {
		if !strings.Contains(s, want) {
			t.Fatalf("%q missing %q", s, want)
		}
	}
}

func TestTimeout(t *testing.T) {
	e := Wrap(KindTransport, os.ErrDeadlineExceeded)
	if !e.Timeout() {
		t.Fatalf("expected timeout")
	}
	if Wrap(KindTransport, io.EOF).Timeout() {
		t.Fatalf("EOF is not a timeout")
	}
}

func TestWithOp(t *testing.T) {
	base := New(KindHandshakeFailed, "no shared cipher")
	got := WithOp(base, "handshake", "handshaking")
	if got.Op != "handshake" || got.State != "handshaking" {
		t.Fatalf("annotation lost: %+v", got)
	}
	if base.Op != "" {
		t.Fatalf("WithOp must not mutate its argument")
	}
	plain := WithOp(io.EOF, "read", "established")
	if plain.Kind != KindInternal || !errors.Is(plain, io.EOF) {
		t.Fatalf("plain errors wrap as internal: %+v", plain)
	}
}
