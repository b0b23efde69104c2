// Package fdsock provides a suspend-capable transport over a non-blocking
// socket file descriptor. EAGAIN surfaces as transport.ErrWouldBlock and
// readiness is observed with poll(2). Only unix platforms are supported.
package fdsock
