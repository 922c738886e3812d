// Package worker runs blocking synthesis jobs on a fixed set of goroutines so
// request handlers never execute engine calls themselves.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts size goroutines. A size below 1 is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{jobs: make(chan func())}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit hands fn to an idle goroutine. Once Submit returns nil the job is
// guaranteed to run to completion, even if ctx is cancelled afterwards.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for running jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
