package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestDialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := Listen(ctx, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		srv, err := l.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer srv.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(readerFunc(srv.TryRead), buf); err != nil {
			done <- err
			return
		}
		_, err = srv.TryWrite(buf)
		done <- err
	}()

	cli, err := Dial(ctx, l.Addr().String(), Options{DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if _, err := cli.TryWrite([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(readerFunc(cli.TryRead), got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("echo mismatch: %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if cli.Kind().String() != "tcp" || cli.RemoteAddr() == nil {
		t.Fatalf("unexpected description: %v %v", cli.Kind(), cli.RemoteAddr())
	}
}

func TestReadTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := Listen(ctx, "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		srv, err := l.Accept(ctx)
		if err == nil {
			<-ctx.Done()
			srv.Close()
		}
	}()
	cli, err := Dial(ctx, l.Addr().String(), Options{ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	_, err = cli.TryRead(make([]byte, 1))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestBadProxy(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1:1", Options{Proxy: "gopher://x"}); err == nil {
		t.Fatal("expected unsupported proxy scheme error")
	}
}

func TestAcceptAfterClose(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = l.Close()
	if _, err := l.Accept(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
