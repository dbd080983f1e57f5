// Package worker provides a bounded worker pool for background tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker: pool closed")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("worker: queue full")
)

// Job represents a unit of work to be executed by a worker.
type Job struct {
	// ID identifies the job in its Result
	ID string
	// Execute runs on a worker goroutine with the pool's context
	Execute func(ctx context.Context) (any, error)
}

// Result represents the outcome of a job execution.
type Result struct {
	JobID    string
	Value    any
	Err      error
	Duration time.Duration
}

// Pool runs jobs on a fixed number of goroutines. Every executed job yields
// exactly one Result; callers must drain Results() or workers block.
type Pool struct {
	workers  int
	jobQueue chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the given number of workers and queue buffer.
// Workers start immediately.
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		results:  make(chan Result, workers),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}

			result := p.run(job)

			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) run(job Job) (result Result) {
	start := time.Now()
	result.JobID = job.ID

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
		result.Duration = time.Since(start)
	}()

	result.Value, result.Err = job.Execute(p.ctx)
	return result
}

// Submit adds a job to the queue, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobQueue <- job:
		return nil
	}
}

// TrySubmit adds a job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the results channel. It is closed by Close.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops the workers. Queued jobs that have not started are dropped;
// running jobs see their context cancelled.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.results)
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}
