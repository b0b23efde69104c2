package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

type deadlines interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Conn adapts a blocking byte stream to Transport. Each TryRead/TryWrite
// issues exactly one Read/Write on the underlying stream.
type Conn struct {
	rwc          io.ReadWriteCloser
	kind         Kind
	readTimeout  time.Duration
	writeTimeout time.Duration
	pinned       bool

	closeOnce sync.Once
	closeErr  error
}

type ConnOption func(*Conn)

// WithTimeouts bounds every read and write on streams that support deadlines.
// Zero disables the bound.
func WithTimeouts(read, write time.Duration) ConnOption {
	return func(c *Conn) { c.readTimeout, c.writeTimeout = read, write }
}

func NewConn(rwc io.ReadWriteCloser, kind Kind, opts ...ConnOption) *Conn {
	c := &Conn{rwc: rwc, kind: kind}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Conn) TryRead(p []byte) (int, error) {
	if d, ok := c.rwc.(deadlines); ok && c.readTimeout > 0 && !c.pinned {
		if err := d.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.rwc.Read(p)
}

func (c *Conn) TryWrite(p []byte) (int, error) {
	if d, ok := c.rwc.(deadlines); ok && c.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.rwc.Write(p)
}

// SetReadDeadline pins an absolute read deadline, suspending the per-call
// read timeout until it is cleared with the zero time.
func (c *Conn) SetReadDeadline(t time.Time) error {
	d, ok := c.rwc.(deadlines)
	if !ok {
		return nil
	}
	c.pinned = !t.IsZero()
	return d.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

func (c *Conn) Kind() Kind { return c.kind }

func (c *Conn) RemoteAddr() net.Addr {
	if nc, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok {
		return nc.RemoteAddr()
	}
	return nil
}

// Underlying returns the wrapped stream.
func (c *Conn) Underlying() io.ReadWriteCloser { return c.rwc }
