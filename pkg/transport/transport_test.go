package transport

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindTCP, KindQUIC, KindWinPipe, KindMem, KindFDSock} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestConnTimeoutsAndPinnedDeadline(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, KindMem, WithTimeouts(20*time.Millisecond, 0))
	defer c.Close()

	_, err := c.TryRead(make([]byte, 1))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}

	// A pinned deadline replaces the per-call timeout.
	if err := c.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(60 * time.Millisecond)
		_, _ = b.Write([]byte("x"))
	}()
	if n, err := c.TryRead(make([]byte, 1)); n != 1 || err != nil {
		t.Fatalf("pinned read = %d, %v", n, err)
	}
	if err := c.SetReadDeadline(time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLabel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if l := Label(NewConn(a, KindTCP)); !strings.HasPrefix(l, "tcp:") {
		t.Fatalf("label = %q", l)
	}
	if l := LabelFor(KindMem, nil); !strings.HasPrefix(l, "mem:") {
		t.Fatalf("label = %q", l)
	}
}
