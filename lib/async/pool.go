// Package async provides bounded worker pool utilities for background tasks.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshwire/courier/errs"
	"github.com/meshwire/courier/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	once   sync.Once
}

type job struct {
	ctx  context.Context
	name string
	fn   Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the named task for execution respecting pool backpressure.
// Task failures are logged, not returned; background work is best-effort.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	// The closed check and the send happen under the same lock as Close, so a
	// submission can never race the channel close.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, name: name, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Workers finish the queued backlog before
// exiting; tasks running under the pool context observe the cancellation.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// worker drains the job channel until it is closed and empty, so accepted
// tasks always run and their WaitGroup counts always settle.
func (p *Pool) worker() {
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("background task panic",
				observability.Field{Key: "task", Value: job.name},
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	ctx := job.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if err := job.fn(ctx); err != nil {
		observability.Log().Error("background task failed",
			observability.Field{Key: "task", Value: job.name},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
