// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same result.
// Once the function returns, the key is forgotten and future calls
// trigger a new execution.
//
// fileindex uses it so that concurrent EnsureUpToDate calls for the same
// (index, project) pair drain the dirty set once, and concurrent rebuild
// checks for one index clear its storage once.
package callgroup

import (
	"context"
	"sync"
)

// Group deduplicates concurrent function calls by key.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done chan struct{}
	err  error
}

// DoChan executes fn if no call is in flight for key. If a call is
// already in flight, the returned channel will receive the result of
// that existing call. The channel receives exactly one value and is
// never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c.wait()
	}

	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	return c.wait()
}

// Do is the blocking form of DoChan. If ctx ends while waiting, Do returns
// the context error; the shared call keeps running for the other waiters.
func (g *Group[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case err := <-g.DoChan(key, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether a call for key is currently running.
func (g *Group[K]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}

func (c *call) wait() <-chan error {
	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}
