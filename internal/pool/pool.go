// Package pool provides the bounded worker pool behind all concurrent
// retrieval work. Concurrency happens in exactly two places: the lexical
// and vector legs of a hybrid search, and batched embedding calls.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Task represents a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns sensible defaults for a single-process engine.
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 64,
	}
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// WorkerPool runs tasks on a fixed set of workers with a bounded queue.
// Unlike an elastic pool there is no worker spawning on demand: the
// worker count is the concurrency limit and is set at construction.
type WorkerPool struct {
	tasks  chan taskWrapper
	wg     sync.WaitGroup
	closed atomic.Bool

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool and starts its workers.
func New(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	p := &WorkerPool{
		tasks: make(chan taskWrapper, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task without waiting for its completion.
// Blocks when the queue is full until space opens or ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.tasks <- taskWrapper{task: task, ctx: ctx}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitWait enqueues a task and waits for it to finish.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.tasks <- wrapper:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits all tasks and waits for every one of them to finish,
// even when ctx is cancelled midway: tasks observe ctx themselves and
// return early, so the caller can safely read whatever partial results
// the tasks recorded. Non-nil task errors are joined.
func (p *WorkerPool) Run(ctx context.Context, tasks ...Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))

	for i, task := range tasks {
		p.submitted.Add(1)
		wg.Add(1)

		i, task := i, task
		wrapper := taskWrapper{
			ctx: ctx,
			task: func(ctx context.Context) error {
				defer wg.Done()
				err := task(ctx)
				errs[i] = err
				return err
			},
		}

		select {
		case p.tasks <- wrapper:
		case <-ctx.Done():
			// Task never enqueued; release its slot.
			errs[i] = ctx.Err()
			wg.Done()
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for wrapper := range p.tasks {
		p.active.Add(1)
		err := p.execute(wrapper)
		p.active.Add(-1)

		if wrapper.result != nil {
			wrapper.result <- err
			close(wrapper.result)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *WorkerPool) execute(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return wrapper.task(wrapper.ctx)
}

// Close stops accepting tasks and waits for in-flight work to drain.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
