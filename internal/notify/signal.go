// Package notify provides the broadcast signal fileindex fires when a drain
// has reindexed files.
package notify

import (
	"context"
	"sync"
)

// Signal wakes every waiter on each Notify. A waiter re-arms by calling C
// again after waking.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	gen uint64
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.gen++
	s.mu.Unlock()
}

// C returns a channel closed by the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Generation counts Notify calls so far.
func (s *Signal) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// WaitAfter blocks until Notify has been called more than gen times or ctx
// ends.
func (s *Signal) WaitAfter(ctx context.Context, gen uint64) error {
	for {
		s.mu.Lock()
		ch, cur := s.ch, s.gen
		s.mu.Unlock()
		if cur > gen {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
