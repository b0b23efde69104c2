// Package driver is the I/O state machine between a TLS engine and a byte
// transport.
//
// One loop serves both execution models. It calls the engine with the
// buffered input, flushes what the engine produced, reads when the engine
// wants input, and stops on Complete, Failed or, with a suspendable
// transport, when the transport would block. A suspended operation stays
// pending with its progress and resumes on the next call of the same kind.
//
// A Driver is not safe for concurrent use; the stream package serializes
// access. State, Err and Stats may be read from any goroutine.
package driver

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/poll"
	"tlsbridge/pkg/tlserr"
	"tlsbridge/pkg/transport"
)

const (
	// DefaultReadSize fits one maximum TLS record plus header and expansion.
	DefaultReadSize = 16<<10 + 512
	// DefaultCloseNotifyAttempts bounds the transport reads spent waiting for
	// the peer's close_notify.
	DefaultCloseNotifyAttempts = 4
	// DefaultCloseNotifyTimeout bounds the wait on transports with deadlines.
	DefaultCloseNotifyTimeout = 2 * time.Second
)

// ErrWouldBlock reports a suspended operation; see Interest and Pollable.
var ErrWouldBlock = transport.ErrWouldBlock

// Options configure a Driver.
type Options struct {
	// WaitPeerClose makes Shutdown wait for the peer's close_notify.
	WaitPeerClose       bool
	CloseNotifyAttempts int
	CloseNotifyTimeout  time.Duration
	// ReadSize is the transport read chunk.
	ReadSize int
	Logger   *zap.Logger
	// Label identifies the connection in logs.
	Label string
}

// DefaultOptions waits for the peer's close_notify with the default bounds.
func DefaultOptions() Options {
	return Options{
		WaitPeerClose:       true,
		CloseNotifyAttempts: DefaultCloseNotifyAttempts,
		CloseNotifyTimeout:  DefaultCloseNotifyTimeout,
		ReadSize:            DefaultReadSize,
	}
}

func (o Options) withDefaults() Options {
	if o.CloseNotifyAttempts <= 0 {
		o.CloseNotifyAttempts = DefaultCloseNotifyAttempts
	}
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// Driver owns one engine and one transport.
type Driver struct {
	eng  engine.Engine
	tr   transport.Transport
	sus  transport.Suspendable
	role engine.Role
	opts Options
	log  *zap.Logger

	state   atomic.Int32
	mu      sync.Mutex
	failure error

	in  Buffer
	out Buffer

	pending  *op
	interest transport.Interest

	wroteSinceRead bool
	stats          counters
	releaseOnce    sync.Once
}

// New drives eng over a blocking transport.
func New(eng engine.Engine, tr transport.Transport, role engine.Role, opts Options) *Driver {
	return newDriver(eng, tr, nil, role, opts)
}

// NewSuspendable drives eng over a suspend-capable transport.
func NewSuspendable(eng engine.Engine, tr transport.Suspendable, role engine.Role, opts Options) *Driver {
	return newDriver(eng, tr, tr, role, opts)
}

func newDriver(eng engine.Engine, tr transport.Transport, sus transport.Suspendable, role engine.Role, opts Options) *Driver {
	opts = opts.withDefaults()
	label := opts.Label
	if label == "" {
		label = transport.Label(tr)
	}
	mode := "blocking"
	if sus != nil {
		mode = "suspend"
	}
	return &Driver{
		eng:  eng,
		tr:   tr,
		sus:  sus,
		role: role,
		opts: opts,
		log: opts.Logger.With(
			zap.String("conn_id", label),
			zap.String("role", role.String()),
			zap.String("mode", mode)),
	}
}

func (d *Driver) State() State { return State(d.state.Load()) }

// Err returns the failure that moved the connection to Failed.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

func (d *Driver) Stats() Stats { return d.stats.snapshot() }

func (d *Driver) Engine() engine.Engine { return d.eng }

func (d *Driver) Options() Options { return d.opts }

func (d *Driver) Role() engine.Role { return d.role }

// Buffered is the plaintext readable without transport I/O.
func (d *Driver) Buffered() int {
	if d.State().Terminal() {
		return 0
	}
	return d.eng.Buffered()
}

// Pending reports the parked operation, if any.
func (d *Driver) Pending() (OpKind, bool) {
	if d.pending == nil {
		return 0, false
	}
	return d.pending.kind, true
}

// Interest is the direction the parked operation waits on.
func (d *Driver) Interest() transport.Interest { return d.interest }

// Pollable becomes ready when the parked operation can make progress. It is
// always ready when nothing is parked.
func (d *Driver) Pollable() poll.Pollable {
	if d.sus == nil || (d.pending == nil && d.out.Len() == 0) {
		return poll.Ready()
	}
	return d.sus.Subscribe(d.interest)
}

func (d *Driver) setState(to State) {
	from := d.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("driver: illegal transition %s -> %s", from, to))
	}
	d.state.Store(int32(to))
	d.log.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (d *Driver) release() {
	d.releaseOnce.Do(func() {
		if err := d.tr.Close(); err != nil {
			d.log.Debug("transport close", zap.Error(err))
		}
		_ = d.eng.Close()
	})
}

// Abort releases the transport without a close_notify. Safe to call from
// another goroutine to unblock an operation in progress; that operation
// then fails.
func (d *Driver) Abort() {
	d.release()
}

// stateErr rejects op in the current state.
func (d *Driver) stateErr(k OpKind, detail string) error {
	e := tlserr.State(k.String(), d.State().String(), detail)
	if d.State() == Failed {
		e.Err = d.Err()
	}
	return e
}

func (d *Driver) fail(k OpKind, err error) error {
	te := tlserr.WithOp(err, k.String(), d.State().String())
	if d.State().Terminal() {
		return te
	}
	d.mu.Lock()
	d.failure = te
	d.mu.Unlock()
	d.setState(Failed)
	d.pending = nil
	d.release()
	d.log.Warn("connection failed", zap.Stringer("op", k), zap.String("kind", string(te.Kind)), zap.Error(err))
	return te
}

// flushAlert makes one best-effort attempt to deliver what the engine
// produced alongside a failure.
func (d *Driver) flushAlert() {
	for d.out.Len() > 0 {
		n, err := d.tr.TryWrite(d.out.Bytes())
		d.stats.writes.Add(1)
		if n > 0 {
			d.out.Consume(n)
			d.stats.bytesOut.Add(int64(n))
		}
		if err != nil || n == 0 {
			return
		}
	}
}

func (d *Driver) suspend(i transport.Interest) error {
	d.stats.wouldBlock.Add(1)
	d.interest = i
	return ErrWouldBlock
}

// flush writes buffered output, continuing short writes.
func (d *Driver) flush(k OpKind) error {
	for d.out.Len() > 0 {
		n, err := d.tr.TryWrite(d.out.Bytes())
		d.stats.writes.Add(1)
		if n > 0 {
			d.out.Consume(n)
			d.stats.bytesOut.Add(int64(n))
			d.wroteSinceRead = true
		}
		switch {
		case err == nil && n > 0:
		case errors.Is(err, transport.ErrWouldBlock) && d.sus != nil:
			return d.suspend(transport.Writable)
		case err == nil:
			return d.fail(k, tlserr.Wrap(tlserr.KindTransport, io.ErrShortWrite))
		default:
			return d.fail(k, tlserr.Wrap(tlserr.KindTransport, err))
		}
	}
	return nil
}

// fill issues one transport read into the inbound buffer.
func (d *Driver) fill(o *op) error {
	tail := d.in.Grow(d.opts.ReadSize)
	n, err := d.tr.TryRead(tail)
	d.stats.reads.Add(1)
	if n > 0 {
		d.in.Commit(n)
		d.stats.bytesIn.Add(int64(n))
		if d.wroteSinceRead && d.State() == Handshaking {
			d.stats.roundTrips.Add(1)
		}
		d.wroteSinceRead = false
		return nil
	}
	closeWait := o.kind == OpShutdown && o.closeSent
	switch {
	case errors.Is(err, transport.ErrWouldBlock) && d.sus != nil:
		return d.suspend(transport.Readable)
	case err == nil || errors.Is(err, io.EOF):
		if closeWait {
			d.log.Debug("transport closed during close wait")
			return d.closed()
		}
		return d.eof(o)
	default:
		if closeWait {
			d.log.Debug("transport error during close wait", zap.Error(err))
			return d.closed()
		}
		return d.fail(o.kind, tlserr.Wrap(tlserr.KindTransport, err))
	}
}

func (d *Driver) eof(o *op) error {
	if o.kind == OpHandshake || d.State() == Handshaking {
		return d.fail(o.kind, tlserr.New(tlserr.KindClosedByPeer, "transport closed during handshake"))
	}
	if o.kind == OpRead && d.eng.State().PeerClosed {
		return io.EOF
	}
	return d.fail(o.kind, tlserr.New(tlserr.KindProtocol, "unexpected EOF without close_notify (truncation)"))
}

// closed completes a shutdown.
func (d *Driver) closed() error {
	d.pending = nil
	d.setState(Closed)
	d.release()
	return nil
}

func (d *Driver) call(o *op) engine.Result {
	switch o.kind {
	case OpHandshake:
		return d.eng.Handshake(d.in.Bytes(), nil)
	case OpRead:
		return d.eng.Decrypt(d.in.Bytes(), o.p)
	case OpWrite:
		return d.eng.Encrypt(o.p[o.n:], nil)
	default:
		return d.eng.Shutdown(d.in.Bytes(), nil)
	}
}

// afterFlush runs once the outbound buffer is empty. It reports whether the
// operation is done.
func (d *Driver) afterFlush(o *op) (bool, error) {
	if o.kind == OpShutdown && o.closeQueued && !o.closeSent {
		o.closeSent = true
		d.log.Debug("close_notify sent")
		if !d.opts.WaitPeerClose {
			return true, d.closed()
		}
	}
	if !o.finished {
		return false, nil
	}
	switch o.kind {
	case OpHandshake:
		d.setState(Established)
		st := d.eng.State()
		d.log.Debug("handshake complete",
			zap.String("version", st.Version),
			zap.String("cipher", st.CipherSuite),
			zap.Int64("round_trips", d.stats.roundTrips.Load()))
	case OpWrite:
		d.stats.plainOut.Add(int64(o.n))
	case OpShutdown:
		return true, d.closed()
	}
	return true, nil
}

// run is the only retry loop.
func (d *Driver) run(o *op) error {
	for {
		if err := d.flush(o.kind); err != nil {
			return err
		}
		if done, err := d.afterFlush(o); done || err != nil {
			return err
		}

		res := d.call(o)
		if res.Consumed > 0 {
			d.in.Consume(res.Consumed)
		}
		d.out.Append(res.Out)
		if o.kind == OpWrite {
			o.n += res.N
		}
		if o.kind == OpShutdown && len(res.Out) > 0 && res.Status != engine.Failed {
			o.closeQueued = true
		}

		switch res.Status {
		case engine.Complete:
			switch o.kind {
			case OpRead:
				if res.N == 0 {
					continue
				}
				o.n = res.N
				o.finished = true
				d.stats.plainIn.Add(int64(res.N))
				// Output produced alongside plaintext does not hold the data
				// back; a remainder goes out before the next operation and a
				// failure surfaces there.
				_ = d.flush(o.kind)
				return nil
			case OpWrite:
				if o.n < len(o.p) {
					continue
				}
			}
			o.finished = true
		case engine.WantWrite:
		case engine.WantRead:
			if err := d.flush(o.kind); err != nil {
				return err
			}
			if done, err := d.afterFlush(o); done || err != nil {
				return err
			}
			if o.kind == OpShutdown && o.closeSent {
				if o.attempts >= d.opts.CloseNotifyAttempts {
					d.log.Debug("close_notify wait exhausted", zap.Int("attempts", o.attempts))
					return d.closed()
				}
				o.attempts++
				d.armCloseDeadline(o)
			}
			if err := d.fill(o); err != nil {
				return err
			}
		case engine.Failed:
			return d.engineFailed(o, res.Err)
		}
	}
}

func (d *Driver) armCloseDeadline(o *op) {
	if o.deadlineSet || d.sus != nil || d.opts.CloseNotifyTimeout <= 0 {
		return
	}
	if dl, ok := d.tr.(transport.Deadliner); ok {
		if err := dl.SetReadDeadline(time.Now().Add(d.opts.CloseNotifyTimeout)); err == nil {
			o.deadlineSet = true
		}
	}
}

func (d *Driver) engineFailed(o *op, err error) error {
	if err == nil {
		err = tlserr.New(tlserr.KindInternal, "engine failed without a reason")
	}
	if tlserr.KindOf(err) == tlserr.KindClosedByPeer && d.State() == Established {
		if o.kind == OpRead {
			return io.EOF
		}
	}
	d.flushAlert()
	return d.fail(o.kind, err)
}

// exec parks o while it is suspended and clears it otherwise.
func (d *Driver) exec(o *op) error {
	d.pending = o
	err := d.run(o)
	if !errors.Is(err, ErrWouldBlock) && d.pending == o {
		d.pending = nil
	}
	return err
}

// admit applies the ordering rules before op k starts or resumes. It
// returns the pending operation to resume, if any.
func (d *Driver) admit(k OpKind) (*op, error) {
	switch st := d.State(); st {
	case Failed:
		return nil, d.stateErr(k, "connection failed")
	case Closed:
		return nil, d.stateErr(k, "connection closed")
	case ShuttingDown:
		if k != OpShutdown {
			return nil, d.stateErr(k, "shutdown in progress")
		}
	}
	p := d.pending
	if p == nil || p.kind == k || p.kind == OpHandshake {
		return p, nil
	}
	return nil, d.stateErr(k, p.kind.String()+" in progress")
}

// Handshake runs or resumes the handshake. It is a no-op once established.
func (d *Driver) Handshake() error {
	if d.State() == Established {
		return nil
	}
	if _, err := d.admit(OpHandshake); err != nil {
		return err
	}
	return d.handshake()
}

func (d *Driver) handshake() error {
	o := d.pending
	if o == nil || o.kind != OpHandshake {
		d.setState(Handshaking)
		o = &op{kind: OpHandshake}
	}
	return d.exec(o)
}

// ensureHandshake drives a lazy or parked handshake before data operations.
func (d *Driver) ensureHandshake() error {
	if d.State() >= Established {
		return nil
	}
	return d.handshake()
}

// Read decrypts into p. The peer's close_notify surfaces as io.EOF.
func (d *Driver) Read(p []byte) (int, error) {
	o, err := d.admit(OpRead)
	if err != nil {
		return 0, err
	}
	if err := d.ensureHandshake(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if o == nil || o.kind != OpRead {
		o = &op{kind: OpRead}
	}
	o.p = p
	if err := d.exec(o); err != nil {
		return 0, err
	}
	return o.n, nil
}

// Write encrypts all of p. A suspended Write must be retried with the same
// or a longer buffer; plaintext already accepted is not encrypted again and
// the bytes past it are written too.
func (d *Driver) Write(p []byte) (int, error) {
	o, err := d.admit(OpWrite)
	if err != nil {
		return 0, err
	}
	if o != nil && o.kind == OpWrite && len(p) < len(o.p) {
		return 0, d.stateErr(OpWrite, fmt.Sprintf("bad write retry: %d bytes, %d pending", len(p), len(o.p)))
	}
	if err := d.ensureHandshake(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if o == nil || o.kind != OpWrite {
		o = &op{kind: OpWrite}
	}
	o.p = p
	if o.n < len(p) {
		o.finished = false
	}
	if err := d.exec(o); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		return o.n, err
	}
	return o.n, nil
}

// Shutdown sends close_notify and, if configured, waits a bounded time for
// the peer's. Calling it again on a closed connection does nothing.
func (d *Driver) Shutdown() error {
	if d.State() == Closed {
		return nil
	}
	o, err := d.admit(OpShutdown)
	if err != nil {
		return err
	}
	switch d.State() {
	case Uninitialized, Handshaking:
		return d.stateErr(OpShutdown, "handshake not complete")
	}
	if o == nil {
		d.setState(ShuttingDown)
		o = &op{kind: OpShutdown}
		if d.eng.State().PeerClosed {
			d.log.Debug("peer already sent close_notify")
		}
	}
	return d.exec(o)
}

// Flush writes buffered ciphertext without starting an operation.
func (d *Driver) Flush() error {
	if st := d.State(); st.Terminal() {
		if d.out.Len() == 0 && st == Closed {
			return nil
		}
		return d.stateErr(OpWrite, "connection "+st.String())
	}
	k := OpWrite
	if d.pending != nil {
		k = d.pending.kind
	}
	return d.flush(k)
}

// Cancel abandons the parked operation. Cancelling a handshake fails the
// connection; cancelling a transfer is benign and keeps buffered bytes. For
// a Write, n is the plaintext already committed to the stream. cause is
// recorded in the failure; nil means errCancelled.
func (d *Driver) Cancel(cause error) (n int, err error) {
	o := d.pending
	if o == nil {
		return 0, nil
	}
	d.pending = nil
	if cause == nil {
		cause = errCancelled
	}
	switch o.kind {
	case OpHandshake:
		return 0, d.fail(OpHandshake, tlserr.Wrap(tlserr.KindHandshakeFailed, cause))
	case OpShutdown:
		if o.closeSent {
			return 0, d.closed()
		}
		return 0, d.fail(OpShutdown, tlserr.Wrap(tlserr.KindTransport, cause))
	case OpWrite:
		d.stats.plainOut.Add(int64(o.n))
		d.log.Debug("write cancelled", zap.Int("committed", o.n))
		return o.n, nil
	}
	return 0, nil
}

var errCancelled = errors.New("operation cancelled")
