// Package scheduler provides the executors that drive flow propagation to a
// fixpoint. An executor runs posted tasks and reports quiescence: Wait
// returns once every task, including tasks posted by running tasks, has
// finished. Quiescence is the fixpoint signal, so posting from outside a
// running task is only legal before the first Wait.
//
// Deduplication of redundant updates is not the executor's job; flow nodes
// coalesce their own pending work before posting.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs tasks until quiescence.
type Executor interface {
	// Post schedules a task. Tasks may call Post.
	Post(task func())

	// Wait blocks until all posted tasks have finished and returns the
	// abort reason, if any.
	Wait() error
}

// Parallel runs each posted task on its own goroutine, bounded by a weighted
// semaphore. Cancelling the context drops tasks that have not started yet;
// running tasks finish.
type Parallel struct {
	ctx context.Context
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewParallel creates a parallel executor with the given concurrency bound.
// A bound of zero or less means runtime.NumCPU.
func NewParallel(ctx context.Context, workers int) *Parallel {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Parallel{ctx: ctx, sem: semaphore.NewWeighted(int64(workers))}
}

func (e *Parallel) Post(task func()) {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		task()
	}()
}

func (e *Parallel) Wait() error {
	e.wg.Wait()
	return e.ctx.Err()
}

// Inline runs every task on the posting goroutine, in FIFO order. Tasks
// posted by running tasks queue behind the current drain. Deterministic and
// single-threaded, for tests and for the artifact viewer where no fixpoint
// runs. Not safe for concurrent use.
type Inline struct {
	queue   []func()
	running bool
}

// NewInline creates an inline executor.
func NewInline() *Inline { return &Inline{} }

func (e *Inline) Post(task func()) {
	e.queue = append(e.queue, task)
	if e.running {
		return
	}
	e.running = true
	defer func() { e.running = false }()
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		next()
	}
}

// Wait returns immediately: Post drains the queue before returning.
func (e *Inline) Wait() error { return nil }
