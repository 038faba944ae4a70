package async

import (
	"context"
	"fmt"
	"sync"
)

// PoolLogger captures pool diagnostics without binding to a logging package.
type PoolLogger interface {
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Job is a named unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool executes jobs on a fixed set of workers. Each job runs under panic
// recovery; failures go to the logger and the failure hook, never to the
// submitter. Submit never blocks.
type Pool struct {
	name      string
	logger    PoolLogger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
	onFailure func(job string, err error)
}

// PoolOption customizes pool construction.
type PoolOption func(*Pool)

// WithFailureHook registers fn to observe every failed or panicked job.
func WithFailureHook(fn func(job string, err error)) PoolOption {
	return func(p *Pool) { p.onFailure = fn }
}

// NewPool starts workers goroutines consuming a queue of the given capacity.
func NewPool(name string, workers, queue int, logger PoolLogger, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		logger: logger,
		jobs:   make(chan Job, queue),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	return p
}

// Submit enqueues a job. It reports false when the queue is saturated or the
// pool is closed; the job is dropped in both cases.
func (p *Pool) Submit(job Job) bool {
	if job.Run == nil {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		if p.logger != nil {
			p.logger.Warn("pool %s: queue full, dropping job %s", p.name, job.Name)
		}
		return false
	}
}

// Close stops accepting work, cancels running jobs, and waits for workers.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.cancel()
	})
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runOne(ctx, job)
	}
}

func (p *Pool) runOne(ctx context.Context, job Job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = job.Run(ctx)
	}()

	if err == nil {
		return
	}
	if p.logger != nil {
		p.logger.Error("pool %s: job %s failed: %v", p.name, job.Name, err)
	}
	if p.onFailure != nil {
		p.onFailure(job.Name, err)
	}
}
