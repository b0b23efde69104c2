// Package winpipe provides the blocking Windows named pipe transport.
package winpipe

import "time"

// Options configure dialed and accepted pipe connections.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
