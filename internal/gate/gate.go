// Package gate bounds concurrent synthesis within one worker process.
package gate

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned when the waiting queue is at capacity.
var ErrQueueFull = errors.New("synthesis queue is full")

// Gate is a counting semaphore with FIFO waiters and an optional queue bound.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int
	maxQueue int

	inflight atomic.Int64
	waiting  atomic.Int64
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Limit    int
	InFlight int
	Waiting  int
}

// New returns a gate admitting at most maxInflight holders. A maxQueue of 0
// leaves the waiting queue unbounded.
func New(maxInflight, maxQueue int) *Gate {
	if maxInflight < 1 {
		maxInflight = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(maxInflight)),
		limit:    maxInflight,
		maxQueue: maxQueue,
	}
}

// Acquire blocks until a permit is available or ctx is done. Every
// successful Acquire must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		g.inflight.Add(1)
		return nil
	}
	if n := g.waiting.Add(1); g.maxQueue > 0 && n > int64(g.maxQueue) {
		g.waiting.Add(-1)
		return ErrQueueFull
	}
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.inflight.Add(1)
	return nil
}

// Release returns a permit.
func (g *Gate) Release() {
	g.inflight.Add(-1)
	g.sem.Release(1)
}

func (g *Gate) Limit() int { return g.limit }

func (g *Gate) Stats() Stats {
	return Stats{
		Limit:    g.limit,
		InFlight: int(g.inflight.Load()),
		Waiting:  int(g.waiting.Load()),
	}
}
