package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.C()

	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() { <-ch })
	}
	s.Notify()
	wg.Wait()

	select {
	case <-s.C():
		t.Fatal("expected a fresh channel after Notify")
	default:
	}
	if g := s.Generation(); g != 1 {
		t.Errorf("expected generation 1, got %d", g)
	}
}

func TestWaitAfter(t *testing.T) {
	s := NewSignal()
	gen := s.Generation()

	done := make(chan error, 1)
	go func() { done <- s.WaitAfter(context.Background(), gen) }()
	s.Notify()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}

	// Already past gen: returns at once.
	if err := s.WaitAfter(context.Background(), gen); err != nil {
		t.Fatalf("wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitAfter(ctx, s.Generation()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}
