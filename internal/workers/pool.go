// Package workers provides a fixed-size goroutine pool with a bounded
// queue. When the queue is full, tasks are dropped rather than spawning
// unbounded goroutines.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chatgrid/presence/internal/logging"
)

// Task is a unit of work executed by a worker goroutine.
type Task func()

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewPool creates a pool with workerCount workers and a queue of
// queueSize pending tasks.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Workers exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			if task != nil {
				p.run(task)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// run executes one task; a panicking task is logged and the worker
// continues.
func (p *Pool) run(task Task) {
	defer logging.RecoverPanic(p.logger, "workers.task")
	task()
}

// Submit enqueues a task. If the queue is full the task is dropped and
// the dropped counter incremented; callers treat submission as
// best-effort.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
	}
}

// DroppedTasks returns how many tasks were dropped due to a full queue.
func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}

// QueueDepth returns the number of tasks waiting in the queue.
func (p *Pool) QueueDepth() int {
	return len(p.taskQueue)
}

// Wait blocks until all workers have exited after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}
