package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateBoundsConcurrency(t *testing.T) {
	const limit = 3
	g := New(limit, 0)

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer g.Release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Fatalf("expected at most %d concurrent holders, saw %d", limit, got)
	}
	if stats := g.Stats(); stats.InFlight != 0 || stats.Waiting != 0 {
		t.Fatalf("expected idle gate, got %+v", stats)
	}
}

func TestGateQueueFull(t *testing.T) {
	g := New(1, 1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waiterDone := make(chan error, 1)
	go func() {
		err := g.Acquire(context.Background())
		if err == nil {
			g.Release()
		}
		waiterDone <- err
	}()

	deadline := time.Now().Add(time.Second)
	for g.Stats().Waiting != 1 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	if err := g.Acquire(context.Background()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	g.Release()
	if err := <-waiterDone; err != nil {
		t.Fatalf("queued waiter failed: %v", err)
	}
}

func TestGateAcquireCancelled(t *testing.T) {
	g := New(1, 0)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if stats := g.Stats(); stats.Waiting != 0 || stats.InFlight != 1 {
		t.Fatalf("unexpected stats after cancelled wait: %+v", stats)
	}
}

func TestNewClampsLimit(t *testing.T) {
	if g := New(0, -1); g.Limit() != 1 {
		t.Fatalf("expected limit clamped to 1, got %d", g.Limit())
	}
}
