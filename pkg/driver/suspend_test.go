package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engine/sim"
	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/tlserr"
	"tlsbridge/pkg/transport"
	"tlsbridge/pkg/transport/mem"
)

func newAsyncFixture(t *testing.T, copts, sopts mem.Options) (*Driver, *Driver) {
	t.Helper()
	copts.NonBlocking, sopts.NonBlocking = true, true
	ceng, seng := engines(t, engine.Config{ServerName: "sim.test"}, engine.Config{ServerName: "sim.test"}, sim.Options{})
	ce, se := mem.Pipe(copts, sopts)
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t)
	c := NewSuspendable(ceng, ce.Async(), engine.Client, opts)
	s := NewSuspendable(seng, se.Async(), engine.Server, opts)
	t.Cleanup(func() {
		c.Abort()
		s.Abort()
	})
	return c, s
}

// step drives both sides until each returns something other than
// ErrWouldBlock, waiting on their pollables in between.
func step(t *testing.T, c, s *Driver, cf, sf func() error) (cErr, sErr error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cDone, sDone := false, false
	for !cDone || !sDone {
		if !cDone {
			if cErr = cf(); !errors.Is(cErr, ErrWouldBlock) {
				cDone = true
			}
		}
		if !sDone {
			if sErr = sf(); !errors.Is(sErr, ErrWouldBlock) {
				sDone = true
			}
		}
		if cDone || sDone {
			continue
		}
		if _, err := poll.Poll(ctx, c.Pollable(), s.Pollable()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	return cErr, sErr
}

func asyncHandshake(t *testing.T, c, s *Driver) {
	t.Helper()
	cErr, sErr := step(t, c, s, c.Handshake, s.Handshake)
	if cErr != nil || sErr != nil {
		t.Fatalf("handshake: client %v, server %v", cErr, sErr)
	}
}

func TestSuspendHandshake(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{}, mem.Options{})

	if err := c.Handshake(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("first handshake step = %v", err)
	}
	if k, ok := c.Pending(); !ok || k != OpHandshake {
		t.Fatalf("pending = %v, %v", k, ok)
	}
	if c.Interest() != transport.Readable {
		t.Fatalf("interest = %v", c.Interest())
	}
	if c.Pollable().Ready() {
		t.Fatal("pollable ready before the server answered")
	}
	asyncHandshake(t, c, s)
	if c.State() != Established || s.State() != Established {
		t.Fatalf("states %s / %s", c.State(), s.State())
	}
	if _, ok := c.Pending(); ok {
		t.Fatal("operation still pending")
	}
	if !c.Pollable().Ready() {
		t.Fatal("idle pollable not ready")
	}
	if c.Stats().WouldBlock == 0 {
		t.Fatal("no suspensions counted")
	}
}

func TestSuspendReadResumes(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{}, mem.Options{})
	asyncHandshake(t, c, s)

	buf := make([]byte, 16)
	if _, err := c.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("read = %v", err)
	}
	if k, _ := c.Pending(); k != OpRead || c.Interest() != transport.Readable {
		t.Fatalf("pending %v interest %v", k, c.Interest())
	}
	// A different operation is rejected while the read is parked.
	if _, err := c.Write([]byte("x")); !errors.Is(err, tlserr.ErrState) {
		t.Fatalf("write during pending read = %v", err)
	}
	if n, err := s.Write([]byte("hello")); err != nil || n != 5 {
		t.Fatalf("server write = %d, %v", n, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := poll.Poll(ctx, c.Pollable()); err != nil {
		t.Fatal(err)
	}
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}
}

func TestSuspendWriteRetry(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{Capacity: 256}, mem.Options{})
	asyncHandshake(t, c, s)

	payload := bytes.Repeat([]byte("x"), 10000)
	if _, err := c.Write(payload); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("write = %v", err)
	}
	if c.Interest() != transport.Writable {
		t.Fatalf("interest = %v", c.Interest())
	}
	if _, err := c.Write(payload[:10]); !errors.Is(err, tlserr.ErrState) {
		t.Fatalf("shorter retry = %v, want bad write retry", err)
	}
	if k, ok := c.Pending(); !ok || k != OpWrite {
		t.Fatal("bad retry dropped the pending write")
	}

	var got []byte
	buf := make([]byte, 4096)
	wrote := 0
	cErr, sErr := step(t, c, s,
		func() error {
			n, err := c.Write(payload)
			wrote = n
			return err
		},
		func() error {
			for len(got) < len(payload) {
				n, err := s.Read(buf)
				if err != nil {
					return err
				}
				got = append(got, buf[:n]...)
			}
			return nil
		})
	if cErr != nil || sErr != nil {
		t.Fatalf("client %v, server %v", cErr, sErr)
	}
	if wrote != len(payload) || !bytes.Equal(got, payload) {
		t.Fatalf("wrote %d, received %d", wrote, len(got))
	}
	if c.Stats().PlaintextOut != int64(len(payload)) {
		t.Fatalf("plaintext out = %d", c.Stats().PlaintextOut)
	}
}

func TestSuspendWriteRetryLonger(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{Capacity: 64}, mem.Options{})
	asyncHandshake(t, c, s)

	payload := bytes.Repeat([]byte("abcdefgh"), 200)
	first := payload[:1000]
	if _, err := c.Write(first); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("write = %v", err)
	}

	var got []byte
	buf := make([]byte, 4096)
	wrote := 0
	cErr, sErr := step(t, c, s,
		func() error {
			n, err := c.Write(payload)
			wrote = n
			return err
		},
		func() error {
			for len(got) < len(payload) {
				n, err := s.Read(buf)
				if err != nil {
					return err
				}
				got = append(got, buf[:n]...)
			}
			return nil
		})
	if cErr != nil || sErr != nil {
		t.Fatalf("client %v, server %v", cErr, sErr)
	}
	if wrote != len(payload) || !bytes.Equal(got, payload) {
		t.Fatalf("wrote %d of %d, received %d", wrote, len(payload), len(got))
	}
	if c.Stats().PlaintextOut != int64(len(payload)) {
		t.Fatalf("plaintext out = %d", c.Stats().PlaintextOut)
	}
}

func TestCancelWriteKeepsStream(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{Capacity: 64}, mem.Options{})
	asyncHandshake(t, c, s)

	first := bytes.Repeat([]byte("a"), 2000)
	if _, err := c.Write(first); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("write = %v", err)
	}
	n, err := c.Cancel(nil)
	if err != nil || n != len(first) {
		t.Fatalf("cancel = %d, %v", n, err)
	}
	if c.State() != Established {
		t.Fatalf("state after cancel = %s", c.State())
	}

	var got []byte
	buf := make([]byte, 4096)
	want := append(append([]byte(nil), first...), "tail"...)
	cErr, sErr := step(t, c, s,
		func() error {
			_, err := c.Write([]byte("tail"))
			return err
		},
		func() error {
			for len(got) < len(want) {
				n, err := s.Read(buf)
				if err != nil {
					return err
				}
				got = append(got, buf[:n]...)
			}
			return nil
		})
	if cErr != nil || sErr != nil {
		t.Fatalf("client %v, server %v", cErr, sErr)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received %d bytes, want %d", len(got), len(want))
	}
}

func TestCancelReadIsBenign(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{}, mem.Options{})
	asyncHandshake(t, c, s)
	if _, err := c.Read(make([]byte, 4)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("read = %v", err)
	}
	if n, err := c.Cancel(nil); n != 0 || err != nil {
		t.Fatalf("cancel = %d, %v", n, err)
	}
	if _, ok := c.Pending(); ok || c.State() != Established {
		t.Fatalf("state %s after cancel", c.State())
	}
}

func TestCancelHandshakeFails(t *testing.T) {
	c, _ := newAsyncFixture(t, mem.Options{}, mem.Options{})
	if err := c.Handshake(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("handshake = %v", err)
	}
	_, err := c.Cancel(nil)
	if !errors.Is(err, tlserr.ErrHandshakeFailed) || !errors.Is(err, errCancelled) {
		t.Fatalf("cancel = %v", err)
	}
	if c.State() != Failed {
		t.Fatalf("state = %s", c.State())
	}
	if err := c.Handshake(); !errors.Is(err, tlserr.ErrState) {
		t.Fatalf("handshake after failure = %v", err)
	}
}

func TestSuspendShutdown(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{}, mem.Options{})
	asyncHandshake(t, c, s)

	if err := c.Shutdown(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("shutdown = %v", err)
	}
	if c.State() != ShuttingDown {
		t.Fatalf("state = %s", c.State())
	}
	buf := make([]byte, 4)
	if _, err := c.Read(buf); !errors.Is(err, tlserr.ErrState) {
		t.Fatalf("read during shutdown = %v", err)
	}
	cErr, sErr := step(t, c, s, c.Shutdown, func() error {
		if _, err := s.Read(buf); err != io.EOF {
			return err
		}
		return s.Shutdown()
	})
	if cErr != nil {
		t.Fatalf("client shutdown: %v", cErr)
	}
	if sErr != nil {
		t.Fatalf("server shutdown: %v", sErr)
	}
	if c.State() != Closed || s.State() != Closed {
		t.Fatalf("states %s / %s", c.State(), s.State())
	}
}

func TestSuspendShutdownAttemptsBounded(t *testing.T) {
	c, s := newAsyncFixture(t, mem.Options{}, mem.Options{})
	asyncHandshake(t, c, s)
	for i := 0; i < DefaultCloseNotifyAttempts; i++ {
		if err := c.Shutdown(); !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("attempt %d = %v", i, err)
		}
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("final attempt = %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %s", c.State())
	}
}
