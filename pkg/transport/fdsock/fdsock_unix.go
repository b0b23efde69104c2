//go:build unix

package fdsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/transport"
)

// pollInterval bounds a single poll(2) wait so waiters notice cancellation.
const pollInterval = 50 * time.Millisecond

// Socket is a non-blocking socket owned by this package.
type Socket struct {
	fd     int
	remote net.Addr

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// FromConn duplicates the connection's descriptor into a non-blocking Socket.
// The caller keeps ownership of c and usually closes it right away.
func FromConn(c syscall.Conn) (*Socket, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	nfd := -1
	var dupErr error
	if err := rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("fdsock: dup: %w", dupErr)
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, fmt.Errorf("fdsock: set nonblock: %w", err)
	}
	s := &Socket{fd: nfd, closed: make(chan struct{})}
	if nc, ok := c.(net.Conn); ok {
		s.remote = nc.RemoteAddr()
	}
	return s, nil
}

// Dial connects over TCP and converts the connection into a Socket.
func Dial(ctx context.Context, address string) (*Socket, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, errors.New("fdsock: connection has no descriptor")
	}
	return FromConn(sc)
}

func (s *Socket) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, &net.OpError{Op: "read", Net: "fdsock", Addr: s.remote, Err: err}
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *Socket) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, transport.ErrWouldBlock
		case err != nil:
			return 0, &net.OpError{Op: "write", Net: "fdsock", Addr: s.remote, Err: err}
		}
		return n, nil
	}
}

func (s *Socket) Subscribe(i transport.Interest) poll.Pollable {
	ev := int16(unix.POLLIN)
	if i == transport.Writable {
		ev = unix.POLLOUT
	}
	return &pollable{s: s, events: ev}
}

func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		err = unix.Close(s.fd)
	})
	return err
}

func (s *Socket) Kind() transport.Kind { return transport.KindFDSock }

func (s *Socket) RemoteAddr() net.Addr { return s.remote }

// pollable reports descriptor readiness. Errors and hangups count as ready so
// the next operation observes them.
type pollable struct {
	s      *Socket
	events int16

	once sync.Once
	done chan struct{}
}

func (p *pollable) check(timeout time.Duration) bool {
	select {
	case <-p.s.closed:
		return true
	default:
	}
	fds := []unix.PollFd{{Fd: int32(p.s.fd), Events: p.events}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return err != unix.EINTR
	}
	return n > 0 && fds[0].Revents != 0
}

func (p *pollable) Ready() bool { return p.check(0) }

func (p *pollable) Block(ctx context.Context) error {
	for {
		if p.check(pollInterval) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (p *pollable) Done() <-chan struct{} {
	p.once.Do(func() {
		p.done = make(chan struct{})
		go func() {
			defer close(p.done)
			for !p.check(pollInterval) {
			}
		}()
	})
	return p.done
}
