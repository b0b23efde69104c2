// Package server accepts TLS connections from a transport listener and runs a
// handler per connection.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engines"
	"tlsbridge/pkg/stream"
	"tlsbridge/pkg/transport"
	"tlsbridge/pkg/transports"
)

// Handler serves one established connection. The server shuts the
// connection down after it returns.
type Handler func(ctx context.Context, c *stream.Conn) error

// Echo writes every application byte back until the peer's close_notify.
func Echo(_ context.Context, c *stream.Conn) error {
	_, err := io.Copy(c, c)
	return err
}

type Options struct {
	Handler Handler
	Stream  stream.Options
	// HandshakeTimeout bounds each server handshake. 0 = unbounded.
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Server runs the accept loop. Counters are safe for concurrent use.
type Server struct {
	l    transports.Listener
	b    *engines.Builder
	opts Options
	log  *zap.Logger
	wg   sync.WaitGroup

	active   atomic.Int64
	accepted atomic.Int64
	failed   atomic.Int64
}

func New(l transports.Listener, b *engines.Builder, opts Options) *Server {
	if opts.Handler == nil {
		opts.Handler = Echo
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &Server{l: l, b: b, opts: opts, log: log.With(zap.String("addr", l.Addr().String()))}
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }

// Active is the number of connections currently being served.
func (s *Server) Active() int64 { return s.active.Load() }

// Accepted counts transports taken from the listener.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Failed counts connections that ended with an error.
func (s *Server) Failed() int64 { return s.failed.Load() }

// Serve accepts until ctx is done or the listener fails, then waits for the
// running handlers. Cancelling ctx aborts connections still in flight and
// makes Serve return nil.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		tr, err := s.l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			return err
		}
		s.accepted.Add(1)
		s.active.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			if err := s.handle(ctx, tr); err != nil {
				s.failed.Add(1)
				s.log.Info("connection failed", zap.String("peer", transport.Label(tr)), zap.Error(err))
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, tr transport.Transport) error {
	log := s.log.With(zap.String("peer", transport.Label(tr)))
	eng, err := s.b.New(engine.Server, log)
	if err != nil {
		_ = tr.Close()
		return err
	}
	opts := s.opts.Stream
	opts.Logger = log
	hctx := ctx
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}
	c, err := stream.Accept(hctx, tr, eng, opts)
	if err != nil {
		return err
	}
	st := c.ConnectionState()
	log.Info("inbound session", zap.String("version", st.Version), zap.String("cipher", st.CipherSuite))
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	herr := s.opts.Handler(ctx, c)
	if cerr := c.Close(); herr == nil {
		herr = cerr
	}
	if ctx.Err() != nil {
		return nil
	}
	return herr
}
