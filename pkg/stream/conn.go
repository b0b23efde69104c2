// Package stream is the public face of tlsbridge: TLS connections over any
// transport.Transport, blocking (Conn) or suspend-capable (AsyncConn).
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"tlsbridge/pkg/driver"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/tlserr"
	"tlsbridge/pkg/transport"
)

// Options configure a connection.
type Options = driver.Options

// DefaultOptions waits for the peer's close_notify with the default bounds.
func DefaultOptions() Options { return driver.DefaultOptions() }

// Conn is a TLS connection over a blocking transport. It implements
// io.ReadWriteCloser. Operations run on the calling goroutine; a second
// concurrent Read, Write, Flush or Shutdown fails with a StateError, and a
// data operation issued while another goroutine handshakes waits for it.
type Conn struct {
	d    *driver.Driver
	tr   transport.Transport
	hsMu sync.Mutex
	busy atomic.Bool
	// established is set once Handshake returned, so data operations never
	// overlap the handshake call.
	established atomic.Bool
}

// Client wraps tr for a client engine. The handshake runs on the first
// Handshake, Read or Write.
func Client(tr transport.Transport, eng engine.Engine, opts Options) *Conn {
	return &Conn{d: driver.New(eng, tr, engine.Client, opts), tr: tr}
}

// Server is Client for a server engine.
func Server(tr transport.Transport, eng engine.Engine, opts Options) *Conn {
	return &Conn{d: driver.New(eng, tr, engine.Server, opts), tr: tr}
}

// Connect runs the client handshake over tr. On failure the transport has
// been released. Cancelling ctx aborts the handshake.
func Connect(ctx context.Context, tr transport.Transport, eng engine.Engine, opts Options) (*Conn, error) {
	c := Client(tr, eng, opts)
	if err := c.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept runs the server handshake over tr.
func Accept(ctx context.Context, tr transport.Transport, eng engine.Engine, opts Options) (*Conn, error) {
	c := Server(tr, eng, opts)
	if err := c.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) acquire(k driver.OpKind) error {
	if !c.busy.CompareAndSwap(false, true) {
		return tlserr.State(k.String(), c.d.State().String(), "concurrent operation in progress")
	}
	return nil
}

func (c *Conn) done() { c.busy.Store(false) }

// Handshake runs the handshake if it has not completed yet.
func (c *Conn) Handshake() error {
	return c.HandshakeContext(context.Background())
}

// HandshakeContext is Handshake with cancellation. A cancelled handshake
// leaves the connection Failed.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	if c.established.Load() {
		return nil
	}
	c.hsMu.Lock()
	defer c.hsMu.Unlock()
	if c.established.Load() {
		return nil
	}
	if err := c.acquire(driver.OpHandshake); err != nil {
		return err
	}
	defer c.done()
	stop := context.AfterFunc(ctx, c.d.Abort)
	defer stop()
	err := c.d.Handshake()
	if err != nil && ctx.Err() != nil {
		return tlserr.WithOp(tlserr.Wrap(tlserr.KindHandshakeFailed, ctx.Err()), driver.OpHandshake.String(), c.d.State().String())
	}
	if err == nil {
		c.established.Store(true)
	}
	return err
}

func (c *Conn) ensureHandshake() error {
	if c.established.Load() {
		return nil
	}
	return c.Handshake()
}

// Read decrypts into p. The peer's close_notify is io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if err := c.acquire(driver.OpRead); err != nil {
		return 0, err
	}
	defer c.done()
	return c.d.Read(p)
}

// Write encrypts and sends all of p.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if err := c.acquire(driver.OpWrite); err != nil {
		return 0, err
	}
	defer c.done()
	return c.d.Write(p)
}

// Flush sends ciphertext still buffered from earlier operations.
func (c *Conn) Flush() error {
	if err := c.acquire(driver.OpWrite); err != nil {
		return err
	}
	defer c.done()
	return c.d.Flush()
}

// Shutdown sends close_notify and waits, bounded, for the peer's. It
// succeeds on an already closed connection.
func (c *Conn) Shutdown() error {
	if err := c.acquire(driver.OpShutdown); err != nil {
		return err
	}
	defer c.done()
	return c.d.Shutdown()
}

// Close shuts an established connection down and releases the transport in
// every case. An operation blocked on another goroutine is aborted.
func (c *Conn) Close() error {
	if err := c.acquire(driver.OpShutdown); err != nil {
		c.d.Abort()
		return nil
	}
	defer c.done()
	switch c.d.State() {
	case driver.Established, driver.ShuttingDown:
		return c.d.Shutdown()
	case driver.Closed, driver.Failed:
		return nil
	}
	c.d.Abort()
	return nil
}

func (c *Conn) State() driver.State { return c.d.State() }

// Err is the failure that moved the connection to Failed, or nil.
func (c *Conn) Err() error { return c.d.Err() }

func (c *Conn) ConnectionState() engine.ConnectionState { return c.d.Engine().State() }

// Buffered is the plaintext readable without transport I/O.
func (c *Conn) Buffered() int { return c.d.Buffered() }

func (c *Conn) Stats() driver.Stats { return c.d.Stats() }

// Transport returns the underlying transport.
func (c *Conn) Transport() transport.Transport { return c.tr }

// ChannelBinding returns the RFC 5929 tls-server-end-point data of an
// established connection, if the engine supports it.
func (c *Conn) ChannelBinding() ([]byte, error) {
	return channelBinding(c.d)
}

func channelBinding(d *driver.Driver) ([]byte, error) {
	if st := d.State(); st != driver.Established {
		return nil, tlserr.State("channel_binding", st.String(), "connection not established")
	}
	b, ok := d.Engine().(engine.ChannelBinder)
	if !ok {
		return nil, tlserr.New(tlserr.KindInternal, "engine does not export channel binding")
	}
	return b.ChannelBinding()
}
