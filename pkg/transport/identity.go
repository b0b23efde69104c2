package transport

import (
	"fmt"
	"net"
	"sync/atomic"
)

var connSeq atomic.Uint64

// Label builds a log label for a transport from its kind and remote address.
// Transports that do not describe themselves get a sequence number.
func Label(t Transport) string {
	d, ok := t.(Describer)
	if !ok {
		return fmt.Sprintf("anon:%d", connSeq.Add(1))
	}
	return LabelFor(d.Kind(), d.RemoteAddr())
}

// LabelFor formats kind and address as "<kind>:<addr>".
func LabelFor(kind Kind, addr net.Addr) string {
	if addr == nil {
		return fmt.Sprintf("%s:%d", kind, connSeq.Add(1))
	}
	return fmt.Sprintf("%s:%s", kind, addr.String())
}
