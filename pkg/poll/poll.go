// Package poll provides readiness primitives for suspend-capable transports.
//
// A Pollable reports whether a resource is ready for I/O and lets a scheduler
// wait for it, one at a time (Block) or many at once (Poll). Suspended TLS
// operations hand back the Pollable of the transport direction they are
// parked on.
package poll

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Pollable is a resource that becomes ready for I/O.
type Pollable interface {
	// Ready reports whether the resource is ready now.
	Ready() bool
	// Done returns a channel closed once the resource is ready. Readiness may
	// be spurious; callers retry the operation and resubscribe.
	Done() <-chan struct{}
	// Block waits until the resource is ready or ctx is done.
	Block(ctx context.Context) error
}

// Signal is a manually-driven, re-armable Pollable.
type Signal struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Fire marks the signal ready and wakes all waiters.
func (s *Signal) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		s.fired = true
		close(s.ch)
	}
}

// Reset marks the signal not ready. Waiters holding the old channel observe a
// spurious wakeup at most.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		s.fired = false
		s.ch = make(chan struct{})
	}
}

func (s *Signal) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *Signal) Block(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer becomes ready at a deadline.
type Timer struct {
	deadline time.Time
	once     sync.Once
	ch       chan struct{}
}

func NewTimer(deadline time.Time) *Timer {
	return &Timer{deadline: deadline, ch: make(chan struct{})}
}

func (t *Timer) Ready() bool { return !time.Now().Before(t.deadline) }

func (t *Timer) Done() <-chan struct{} {
	t.once.Do(func() {
		d := time.Until(t.deadline)
		if d <= 0 {
			close(t.ch)
			return
		}
		time.AfterFunc(d, func() { close(t.ch) })
	})
	return t.ch
}

func (t *Timer) Block(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedCh = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

type always struct{}

func (always) Ready() bool                 { return true }
func (always) Done() <-chan struct{}       { return closedCh }
func (always) Block(context.Context) error { return nil }

// Ready returns a Pollable that is always ready.
func Ready() Pollable { return always{} }

// Poll waits until at least one of ps is ready and returns the indices of all
// ready pollables, in order. It returns ctx.Err() if ctx ends first.
func Poll(ctx context.Context, ps ...Pollable) ([]int, error) {
	if ready := readyIndices(ps); len(ready) > 0 {
		return ready, nil
	}
	cases := make([]reflect.SelectCase, 0, len(ps)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, p := range ps {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.Done())})
	}
	for {
		chosen, _, _ := reflect.Select(cases)
		if chosen == 0 {
			return nil, ctx.Err()
		}
		if ready := readyIndices(ps); len(ready) > 0 {
			return ready, nil
		}
		// spurious wakeup: refresh the channel that fired
		cases[chosen].Chan = reflect.ValueOf(ps[chosen-1].Done())
	}
}

func readyIndices(ps []Pollable) []int {
	var ready []int
	for i, p := range ps {
		if p.Ready() {
			ready = append(ready, i)
		}
	}
	return ready
}
