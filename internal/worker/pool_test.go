package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(2)
	defer p.Close()

	var (
		count atomic.Int64
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if count.Load() != 10 {
		t.Fatalf("expected 10 jobs, ran %d", count.Load())
	}
}

func TestPoolSubmitCancelledWhenBusy(t *testing.T) {
	p := New(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(context.Background(), func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
}

func TestPoolCloseWaitsAndRejects(t *testing.T) {
	p := New(1)
	var done atomic.Bool
	if err := p.Submit(context.Background(), func() {
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Close()
	if !done.Load() {
		t.Fatal("expected Close to wait for the running job")
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	p.Close()
}
