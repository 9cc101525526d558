package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface
type JobFunc func(ctx context.Context) error

// Execute calls f
func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool runs submitted jobs with bounded concurrency. Submit never blocks the
// caller: jobs beyond the concurrency limit wait for a slot in their own goroutine.
type Pool struct {
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	onError    func(error)
	closed     atomic.Bool
	completed  atomic.Int64
}

// NewPool creates a new pool running at most workers jobs at once.
// onError receives every job error and may be nil.
func NewPool(workers int, onError func(error)) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		sem:        semaphore.NewWeighted(int64(workers)),
		ctx:        ctx,
		cancelFunc: cancel,
		onError:    onError,
	}
}

// Submit schedules a job. It returns false once the pool has been shut down.
func (p *Pool) Submit(job Job) bool {
	if p.closed.Load() {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return // shut down before a slot freed up
		}
		defer p.sem.Release(1)
		if p.ctx.Err() != nil {
			return
		}

		if err := job.Execute(p.ctx); err != nil && p.onError != nil {
			p.onError(err)
		}
		p.completed.Add(1)
	}()
	return true
}

// Wait blocks until every submitted job has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Completed reports how many jobs have finished
func (p *Pool) Completed() int {
	return int(p.completed.Load())
}

// Shutdown stops accepting jobs and waits for every submitted job, queued or
// running, to finish with its context intact. Jobs must be bounded.
func (p *Pool) Shutdown() {
	p.closed.Store(true)
	p.wg.Wait()
	p.cancelFunc()
}

// Stop stops accepting jobs, abandons jobs still waiting for a slot,
// cancels the context of running jobs and waits for them to return
func (p *Pool) Stop() {
	p.closed.Store(true)
	p.cancelFunc()
	p.wg.Wait()
}
