// Package pool runs background jobs on a fixed number of workers fed from a
// bounded channel.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("worker pool: queue full")
	ErrClosed    = errors.New("worker pool: closed")
)

// Job is one unit of background work. ctx is the pool's base context.
type Job = func(ctx context.Context)

type Pool struct {
	size  int
	tasks chan Job
	log   zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	running atomic.Int64
}

// New builds a pool with size workers and room for depth queued jobs.
func New(size, depth int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if depth < 0 {
		depth = 0
	}
	return &Pool{
		size:  size,
		tasks: make(chan Job, depth),
		log:   log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. ctx is handed to every job; it should outlive
// the HTTP server so that Shutdown can drain running jobs.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx, i+1)
	}
	p.log.Info().Int("workers", p.size).Int("depth", cap(p.tasks)).Msg("worker pool started")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.tasks {
		p.run(ctx, id, job)
	}
	p.log.Debug().Int("worker", id).Msg("worker stopped")
}

func (p *Pool) run(ctx context.Context, id int, job Job) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("job panicked")
		}
	}()
	job(ctx)
}

// TrySubmit queues job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of queued jobs not yet picked up.
func (p *Pool) Pending() int { return len(p.tasks) }

// Running is the number of jobs executing right now.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Shutdown stops accepting jobs and waits for queued and running ones to
// finish, or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
