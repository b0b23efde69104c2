package mem

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/transport"
)

func TestBlockingFragmentation(t *testing.T) {
	a, b := Pipe(Options{WriteChunk: 3}, Options{ReadChunk: 2})
	go func() {
		msg := []byte("hello world")
		for len(msg) > 0 {
			n, err := a.TryWrite(msg)
			if err != nil {
				return
			}
			if n > 3 {
				t.Errorf("write accepted %d > chunk", n)
			}
			msg = msg[n:]
		}
		_ = a.Close()
	}()
	var got []byte
	buf := make([]byte, 16)
	for {
		n, err := b.TryRead(buf)
		if n > 2 {
			t.Fatalf("read returned %d > chunk", n)
		}
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if string(a.Written()) != "hello world" {
		t.Fatalf("captured %q", a.Written())
	}
}

func TestNonBlockingWouldBlock(t *testing.T) {
	a, b := Pipe(Options{NonBlocking: true, Capacity: 4}, Options{NonBlocking: true})
	ab, bb := a.Async(), b.Async()
	if _, err := bb.TryRead(make([]byte, 1)); !errors.Is(err, transport.ErrWouldBlock) {
		t.Fatalf("expected would block, got %v", err)
	}
	rp := bb.Subscribe(transport.Readable)
	if rp.Ready() {
		t.Fatal("readable before any write")
	}
	n, err := ab.TryWrite([]byte("abcdef"))
	if err != nil || n != 4 {
		t.Fatalf("write = %d, %v; want 4 bytes (capacity)", n, err)
	}
	if _, err := ab.TryWrite([]byte("ef")); !errors.Is(err, transport.ErrWouldBlock) {
		t.Fatalf("expected would block on full pipe, got %v", err)
	}
	wp := ab.Subscribe(transport.Writable)
	if wp.Ready() {
		t.Fatal("writable while full")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if idx, err := poll.Poll(ctx, rp); err != nil || len(idx) != 1 {
		t.Fatalf("poll = %v, %v", idx, err)
	}
	buf := make([]byte, 8)
	if n, _ := bb.TryRead(buf); n != 4 {
		t.Fatalf("read %d", n)
	}
	if !wp.Ready() {
		t.Fatal("not writable after drain")
	}
}

func TestReadTimeoutAndInjection(t *testing.T) {
	a, b := Pipe(Options{ReadTimeout: 20 * time.Millisecond}, Options{})
	_, err := a.TryRead(make([]byte, 1))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
	boom := errors.New("boom")
	b.FailWrites(boom)
	if _, err := b.TryWrite([]byte("x")); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	_, writes := b.Calls()
	if writes != 1 {
		t.Fatalf("writes = %d", writes)
	}
}

func TestCloseSemantics(t *testing.T) {
	a, b := Pipe(Options{}, Options{})
	if _, err := a.TryWrite([]byte("tail")); err != nil {
		t.Fatal(err)
	}
	_ = a.Close()
	buf := make([]byte, 8)
	n, err := b.TryRead(buf)
	if n != 4 || err != nil {
		t.Fatalf("drain = %d, %v", n, err)
	}
	if _, err := b.TryRead(buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if _, err := b.TryWrite([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe, got %v", err)
	}
}

func TestAsyncOnBlockingPanics(t *testing.T) {
	a, _ := Pipe(Options{}, Options{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	a.Async()
}
