package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type drainKey struct {
	index   string
	project string
}

func TestDeduplication(t *testing.T) {
	var g Group[drainKey]
	var calls atomic.Int32
	started := make(chan struct{})
	key := drainKey{index: "words", project: "p1"}

	fn := func() error {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)

	wg.Go(func() {
		errs[0] = <-g.DoChan(key, fn)
	})

	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			errs[i] = <-g.DoChan(key, fn)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[drainKey]
	var calls atomic.Int32

	fn := func() error {
		calls.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for _, key := range []drainKey{{"words", "p1"}, {"words", "p2"}, {"trigrams", "p1"}} {
		wg.Go(func() {
			<-g.DoChan(key, fn)
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[string]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	ch1 := g.DoChan("words", func() error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return sentinel
	})
	<-started

	ch2 := g.DoChan("words", func() error {
		t.Error("should not execute")
		return nil
	})

	if err := <-ch1; !errors.Is(err, sentinel) {
		t.Errorf("caller 1: got %v, want %v", err, sentinel)
	}
	if err := <-ch2; !errors.Is(err, sentinel) {
		t.Errorf("caller 2: got %v, want %v", err, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32

	fn := func() error {
		calls.Add(1)
		return nil
	}

	if err := g.Do(context.Background(), "words", fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := g.Do(context.Background(), "words", fn); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
	if g.InFlight("words") {
		t.Error("no call should be in flight after completion")
	}
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})
	started := make(chan struct{})

	ch := g.DoChan("words", func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Do(ctx, "words", func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
	if err := <-ch; err != nil {
		t.Errorf("shared call should still succeed, got %v", err)
	}
}
