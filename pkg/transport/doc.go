// Package transport defines the byte-transport boundary TLS connections run
// over and provides concrete instantiations (tcp, mem, fdsock, quic, winpipe).
//
// Key concepts:
//   - Transport: TryRead/TryWrite/Close over a reliable ordered byte stream
//   - Blocking transports never return ErrWouldBlock
//   - Suspendable transports return ErrWouldBlock and expose readiness as a
//     poll.Pollable through Subscribe
//   - Conn adapts any blocking io.ReadWriteCloser (net.Conn, QUIC stream,
//     named pipe) to Transport with optional per-call timeouts
package transport
