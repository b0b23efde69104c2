package driver

import "sync/atomic"

// Stats is a snapshot of connection counters.
type Stats struct {
	// BytesIn and BytesOut count ciphertext on the wire.
	BytesIn  int64
	BytesOut int64
	// PlaintextIn and PlaintextOut count application bytes read and written.
	PlaintextIn  int64
	PlaintextOut int64
	// TransportReads and TransportWrites count TryRead/TryWrite calls.
	TransportReads  int64
	TransportWrites int64
	// WouldBlock counts suspensions.
	WouldBlock int64
	// RoundTrips counts write-then-read turns while handshaking.
	RoundTrips int64
}

type counters struct {
	bytesIn, bytesOut      atomic.Int64
	plainIn, plainOut      atomic.Int64
	reads, writes          atomic.Int64
	wouldBlock, roundTrips atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		PlaintextIn:     c.plainIn.Load(),
		PlaintextOut:    c.plainOut.Load(),
		TransportReads:  c.reads.Load(),
		TransportWrites: c.writes.Load(),
		WouldBlock:      c.wouldBlock.Load(),
		RoundTrips:      c.roundTrips.Load(),
	}
}
