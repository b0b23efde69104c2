package stream

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"tlsbridge/pkg/driver"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/tlserr"
	"tlsbridge/pkg/transport"
)

// ErrWouldBlock is returned by the Try methods when the operation is parked
// on the transport. Wait on Pollable and call the same method again.
var ErrWouldBlock = transport.ErrWouldBlock

// AsyncConn is a TLS connection over a suspend-capable transport. At most
// one operation is pending; the Try methods never block. The context
// variants drive the Try methods with poll.Poll until done or cancelled.
type AsyncConn struct {
	d    *driver.Driver
	tr   transport.Suspendable
	busy atomic.Bool
}

// AsyncClient wraps tr for a client engine without starting the handshake.
func AsyncClient(tr transport.Suspendable, eng engine.Engine, opts Options) *AsyncConn {
	return &AsyncConn{d: driver.NewSuspendable(eng, tr, engine.Client, opts), tr: tr}
}

// AsyncServer is AsyncClient for a server engine.
func AsyncServer(tr transport.Suspendable, eng engine.Engine, opts Options) *AsyncConn {
	return &AsyncConn{d: driver.NewSuspendable(eng, tr, engine.Server, opts), tr: tr}
}

// ConnectAsync runs the client handshake over tr, suspending as needed.
func ConnectAsync(ctx context.Context, tr transport.Suspendable, eng engine.Engine, opts Options) (*AsyncConn, error) {
	c := AsyncClient(tr, eng, opts)
	if err := c.Handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptAsync runs the server handshake over tr.
func AcceptAsync(ctx context.Context, tr transport.Suspendable, eng engine.Engine, opts Options) (*AsyncConn, error) {
	c := AsyncServer(tr, eng, opts)
	if err := c.Handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AsyncConn) acquire(k driver.OpKind) error {
	if !c.busy.CompareAndSwap(false, true) {
		return tlserr.State(k.String(), c.d.State().String(), "concurrent operation in progress")
	}
	return nil
}

func (c *AsyncConn) done() { c.busy.Store(false) }

func (c *AsyncConn) TryHandshake() error {
	if err := c.acquire(driver.OpHandshake); err != nil {
		return err
	}
	defer c.done()
	return c.d.Handshake()
}

// TryRead reads plaintext, resuming a parked handshake first.
func (c *AsyncConn) TryRead(p []byte) (int, error) {
	if err := c.acquire(driver.OpRead); err != nil {
		return 0, err
	}
	defer c.done()
	return c.d.Read(p)
}

// TryWrite writes all of p. After ErrWouldBlock retry with the same bytes
// (or more); a shorter buffer is rejected.
func (c *AsyncConn) TryWrite(p []byte) (int, error) {
	if err := c.acquire(driver.OpWrite); err != nil {
		return 0, err
	}
	defer c.done()
	return c.d.Write(p)
}

func (c *AsyncConn) TryShutdown() error {
	if err := c.acquire(driver.OpShutdown); err != nil {
		return err
	}
	defer c.done()
	return c.d.Shutdown()
}

// Flush sends buffered ciphertext; ErrWouldBlock if the transport is full.
func (c *AsyncConn) Flush() error {
	if err := c.acquire(driver.OpWrite); err != nil {
		return err
	}
	defer c.done()
	return c.d.Flush()
}

// Interest is the readiness the parked operation waits for.
func (c *AsyncConn) Interest() transport.Interest { return c.d.Interest() }

// Pollable is ready when a retry of the parked operation can progress.
func (c *AsyncConn) Pollable() poll.Pollable { return c.d.Pollable() }

// Pending reports the parked operation, if any.
func (c *AsyncConn) Pending() (driver.OpKind, bool) { return c.d.Pending() }

// Cancel abandons the parked operation; see driver.Driver.Cancel.
func (c *AsyncConn) Cancel() (int, error) { return c.cancel(nil) }

// wait blocks until the parked operation can be retried. extra pollables
// end the wait early; the returned indices refer to them.
func (c *AsyncConn) wait(ctx context.Context, extra ...poll.Pollable) ([]int, error) {
	ready, err := poll.Poll(ctx, append([]poll.Pollable{c.Pollable()}, extra...)...)
	if err != nil {
		return nil, err
	}
	var hit []int
	for _, i := range ready {
		if i > 0 {
			hit = append(hit, i-1)
		}
	}
	return hit, nil
}

func (c *AsyncConn) cancel(cause error) (int, error) {
	if err := c.acquire(driver.OpRead); err != nil {
		return 0, err
	}
	defer c.done()
	return c.d.Cancel(cause)
}

// Handshake drives the handshake to completion. Cancelling ctx fails the
// connection.
func (c *AsyncConn) Handshake(ctx context.Context) error {
	for {
		err := c.TryHandshake()
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if _, err := c.wait(ctx); err != nil {
			_, cerr := c.cancel(err)
			return cerr
		}
	}
}

// Read blocks until plaintext arrives. Cancelling ctx abandons the read;
// the connection stays usable.
func (c *AsyncConn) Read(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := c.TryRead(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		if _, err := c.wait(ctx); err != nil {
			if _, cerr := c.cancel(err); cerr != nil {
				return 0, cerr
			}
			return 0, err
		}
	}
}

// Write blocks until all of p is sent. On cancellation n is the plaintext
// already committed to the stream.
func (c *AsyncConn) Write(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := c.TryWrite(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		if _, err := c.wait(ctx); err != nil {
			n, cerr := c.cancel(err)
			if cerr != nil {
				return n, cerr
			}
			return n, err
		}
	}
}

// Shutdown sends close_notify and waits for the peer's, bounded by the
// configured close-notify timeout.
func (c *AsyncConn) Shutdown(ctx context.Context) error {
	var extra []poll.Pollable
	if d := c.d.Options().CloseNotifyTimeout; d > 0 {
		extra = append(extra, poll.NewTimer(time.Now().Add(d)))
	}
	for {
		err := c.TryShutdown()
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		hit, err := c.wait(ctx, extra...)
		if err != nil {
			_, cerr := c.cancel(err)
			return cerr
		}
		if slices.Contains(hit, 0) && !c.Pollable().Ready() {
			_, err := c.cancel(context.DeadlineExceeded)
			return err
		}
	}
}

// Close shuts an established connection down and releases the transport.
func (c *AsyncConn) Close() error {
	switch c.d.State() {
	case driver.Established, driver.ShuttingDown:
		if _, ok := c.d.Pending(); ok && c.d.State() == driver.Established {
			_, _ = c.cancel(nil)
		}
		return c.Shutdown(context.Background())
	case driver.Closed, driver.Failed:
		return nil
	}
	_, _ = c.cancel(nil)
	c.d.Abort()
	return nil
}

func (c *AsyncConn) State() driver.State { return c.d.State() }

func (c *AsyncConn) Err() error { return c.d.Err() }

func (c *AsyncConn) ConnectionState() engine.ConnectionState { return c.d.Engine().State() }

func (c *AsyncConn) Buffered() int { return c.d.Buffered() }

func (c *AsyncConn) Stats() driver.Stats { return c.d.Stats() }

func (c *AsyncConn) Transport() transport.Suspendable { return c.tr }

func (c *AsyncConn) ChannelBinding() ([]byte, error) { return channelBinding(c.d) }
