// Package mem provides an in-process transport pair with fault injection.
// Ends are blocking by default; non-blocking ends return ErrWouldBlock and
// expose readiness through Async().Subscribe.
package mem

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/transport"
)

// Options configure one end of a pipe.
type Options struct {
	NonBlocking bool
	// ReadChunk caps the bytes returned by one read (fragmentation). 0 = no cap.
	ReadChunk int
	// WriteChunk caps the bytes accepted by one write (short writes). 0 = no cap.
	WriteChunk int
	// Capacity bounds the bytes buffered toward the peer. 0 = unbounded.
	Capacity int
	// ReadTimeout bounds blocking reads.
	ReadTimeout time.Duration
}

// half is one direction of the pipe.
type half struct {
	mu       sync.Mutex
	buf      []byte
	captured []byte
	// wclosed: the writer closed, reads drain then EOF.
	wclosed bool
	// rclosed: the reader closed, writes fail.
	rclosed  bool
	readable *poll.Signal
	writable *poll.Signal
	capacity int
}

func newHalf(capacity int) *half {
	h := &half{readable: poll.NewSignal(), writable: poll.NewSignal(), capacity: capacity}
	h.writable.Fire()
	return h
}

// refresh recomputes the signals; called with mu held.
func (h *half) refresh() {
	if len(h.buf) > 0 || h.wclosed || h.rclosed {
		h.readable.Fire()
	} else {
		h.readable.Reset()
	}
	if h.capacity == 0 || len(h.buf) < h.capacity || h.wclosed || h.rclosed {
		h.writable.Fire()
	} else {
		h.writable.Reset()
	}
}

// End is one side of an in-memory pipe.
type End struct {
	opts Options
	in   *half
	out  *half
	name string

	mu       sync.Mutex
	deadline time.Time
	readErr  error
	writeErr error
	reads    int
	writes   int
}

// Pipe returns two connected ends.
func Pipe(a, b Options) (*End, *End) {
	ab := newHalf(a.Capacity)
	ba := newHalf(b.Capacity)
	return &End{opts: a, in: ba, out: ab, name: "mem:a"}, &End{opts: b, in: ab, out: ba, name: "mem:b"}
}

func (e *End) TryRead(p []byte) (int, error) {
	e.mu.Lock()
	e.reads++
	injected := e.readErr
	deadline := e.deadline
	e.mu.Unlock()
	if injected != nil {
		return 0, injected
	}
	if deadline.IsZero() && e.opts.ReadTimeout > 0 {
		deadline = time.Now().Add(e.opts.ReadTimeout)
	}
	for {
		h := e.in
		h.mu.Lock()
		if h.rclosed {
			h.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(h.buf) > 0 {
			n := len(p)
			if n > len(h.buf) {
				n = len(h.buf)
			}
			if e.opts.ReadChunk > 0 && n > e.opts.ReadChunk {
				n = e.opts.ReadChunk
			}
			copy(p, h.buf[:n])
			h.buf = h.buf[n:]
			h.refresh()
			h.mu.Unlock()
			return n, nil
		}
		if h.wclosed {
			h.mu.Unlock()
			return 0, io.EOF
		}
		h.mu.Unlock()
		if e.opts.NonBlocking {
			return 0, transport.ErrWouldBlock
		}
		if err := wait(h.readable, deadline); err != nil {
			return 0, err
		}
	}
}

func (e *End) TryWrite(p []byte) (int, error) {
	e.mu.Lock()
	e.writes++
	injected := e.writeErr
	e.mu.Unlock()
	if injected != nil {
		return 0, injected
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		h := e.out
		h.mu.Lock()
		if h.wclosed || h.rclosed {
			h.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		n := len(p)
		if e.opts.WriteChunk > 0 && n > e.opts.WriteChunk {
			n = e.opts.WriteChunk
		}
		if h.capacity > 0 {
			if space := h.capacity - len(h.buf); n > space {
				n = space
			}
		}
		if n > 0 {
			h.buf = append(h.buf, p[:n]...)
			h.captured = append(h.captured, p[:n]...)
			h.refresh()
			h.mu.Unlock()
			return n, nil
		}
		h.mu.Unlock()
		if e.opts.NonBlocking {
			return 0, transport.ErrWouldBlock
		}
		if err := wait(h.writable, time.Time{}); err != nil {
			return 0, err
		}
	}
}

func wait(s *poll.Signal, deadline time.Time) error {
	if deadline.IsZero() {
		<-s.Done()
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.Done():
		return nil
	case <-t.C:
		return os.ErrDeadlineExceeded
	}
}

// Close closes both directions: the peer drains buffered bytes and then sees
// EOF; its writes fail.
func (e *End) Close() error {
	e.out.mu.Lock()
	e.out.wclosed = true
	e.out.refresh()
	e.out.mu.Unlock()
	e.in.mu.Lock()
	e.in.rclosed = true
	e.in.refresh()
	e.in.mu.Unlock()
	return nil
}

// CloseWrite closes only the outbound direction.
func (e *End) CloseWrite() error {
	e.out.mu.Lock()
	defer e.out.mu.Unlock()
	e.out.wclosed = true
	e.out.refresh()
	return nil
}

func (e *End) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deadline = t
	return nil
}

// FailReads makes every following read return err. nil clears it.
func (e *End) FailReads(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readErr = err
}

// FailWrites makes every following write return err. nil clears it.
func (e *End) FailWrites(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

// Written returns a copy of every byte this end has written, as seen by the peer.
func (e *End) Written() []byte {
	e.out.mu.Lock()
	defer e.out.mu.Unlock()
	return append([]byte(nil), e.out.captured...)
}

// Calls reports how many TryRead and TryWrite calls this end served.
func (e *End) Calls() (reads, writes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reads, e.writes
}

func (e *End) Kind() transport.Kind { return transport.KindMem }

func (e *End) RemoteAddr() net.Addr { return addr(e.name) }

// Async returns the suspend-capable view of a non-blocking end.
func (e *End) Async() *AsyncEnd {
	if !e.opts.NonBlocking {
		panic("mem: Async on a blocking end")
	}
	return &AsyncEnd{End: e}
}

// AsyncEnd is a non-blocking End implementing transport.Suspendable.
type AsyncEnd struct {
	*End
}

func (a *AsyncEnd) Subscribe(i transport.Interest) poll.Pollable {
	if i == transport.Writable {
		return a.out.writable
	}
	return a.in.readable
}

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }
