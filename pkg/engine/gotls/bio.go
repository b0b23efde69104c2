package gotls

import (
	"net"
	"sync"
	"time"
)

// bio is the in-memory net.Conn crypto/tls runs over. Writes never block;
// a Read with no input parks the caller and marks the bio starving until
// more input is fed.
type bio struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	starving bool
	closed   bool
}

func newBio() *bio {
	b := &bio{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bio) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.in) == 0 {
		if b.closed {
			return 0, net.ErrClosed
		}
		b.starving = true
		b.cond.Broadcast()
		b.cond.Wait()
	}
	b.starving = false
	n := copy(p, b.in)
	b.in = b.in[n:]
	if len(b.in) == 0 {
		b.in = nil
	}
	return n, nil
}

func (b *bio) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, net.ErrClosed
	}
	b.out = append(b.out, p...)
	return len(p), nil
}

// feed appends input and wakes a parked reader.
func (b *bio) feed(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.in = append(b.in, p...)
	b.starving = false
	b.cond.Broadcast()
}

// take removes and returns everything written so far.
func (b *bio) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.out
	b.out = nil
	return out
}

// pendingInput is the ciphertext fed but not yet read by crypto/tls.
func (b *bio) pendingInput() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.in)
}

// wait blocks until done reports true or the reader starves. It returns the
// value of done.
func (b *bio) wait(done func() bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !done() && !b.starving && !b.closed {
		b.cond.Wait()
	}
	return done()
}

// signal wakes waiters after a state change made under b.mu.
func (b *bio) signal(fn func()) {
	b.mu.Lock()
	fn()
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *bio) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

type bioAddr struct{}

func (bioAddr) Network() string { return "bio" }
func (bioAddr) String() string  { return "gotls-bio" }

func (b *bio) LocalAddr() net.Addr              { return bioAddr{} }
func (b *bio) RemoteAddr() net.Addr             { return bioAddr{} }
func (b *bio) SetDeadline(time.Time) error      { return nil }
func (b *bio) SetReadDeadline(time.Time) error  { return nil }
func (b *bio) SetWriteDeadline(time.Time) error { return nil }
